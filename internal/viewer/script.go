package viewer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/simlink/internal/protocol"
	"gopkg.in/yaml.v3"
)

var ErrInvalidScript = errors.New("viewer: invalid script")

// Script is a scripted viewer session loaded from YAML:
//
//	steps:
//	  - send: "step 10"
//	  - ui: {element: run, signal: clicked}
//	  - expect: redraw
//	  - sleep: 100ms
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Step holds exactly one action.
type Step struct {
	Send   string       `yaml:"send,omitempty"`
	UI     *UIStep      `yaml:"ui,omitempty"`
	Expect string       `yaml:"expect,omitempty"`
	Sleep  yamlDuration `yaml:"sleep,omitempty"`
}

type UIStep struct {
	Element string `yaml:"element"`
	Signal  string `yaml:"signal"`
	Value   string `yaml:"value,omitempty"`
}

type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("%w: line %d: sleep %q", ErrInvalidScript, node.Line, node.Value)
	}
	*d = yamlDuration(v)
	return nil
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return Script{}, fmt.Errorf("%w: step %d: %v", ErrInvalidScript, i+1, err)
		}
	}
	return s, nil
}

func (st Step) validate() error {
	n := 0
	if st.Send != "" {
		n++
		if _, err := protocol.ParseEnvelope(st.Send); err != nil {
			return err
		}
	}
	if st.UI != nil {
		n++
		if st.UI.Element == "" || st.UI.Signal == "" {
			return errors.New("ui needs element and signal")
		}
	}
	if st.Expect != "" {
		n++
	}
	if st.Sleep > 0 {
		n++
	}
	if n != 1 {
		return fmt.Errorf("want exactly one action, got %d", n)
	}
	return nil
}

// RunScript plays s. Every envelope read while waiting on an expect step is
// passed to observe, which may be nil.
func (c *Client) RunScript(ctx context.Context, s Script, observe func(protocol.Envelope)) error {
	for i, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch {
		case st.Send != "":
			err = c.SendLine(st.Send)
		case st.UI != nil:
			err = c.SendUI(protocol.UICommand{Element: st.UI.Element, Signal: st.UI.Signal, Value: st.UI.Value})
		case st.Expect != "":
			err = c.expect(st.Expect, observe)
		case st.Sleep > 0:
			timer := time.NewTimer(time.Duration(st.Sleep))
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-timer.C:
			}
			timer.Stop()
		}
		if err != nil {
			return fmt.Errorf("viewer: step %d: %w", i+1, err)
		}
	}
	return nil
}

func (c *Client) expect(name string, observe func(protocol.Envelope)) error {
	for {
		env, err := c.Next()
		if err != nil {
			return err
		}
		if observe != nil {
			observe(env)
		}
		if env.Name == name {
			return nil
		}
	}
}
