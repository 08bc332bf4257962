package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/stage"
)

// Dependencies verifies the identified dependencies against the declared
// compatibility set and writes the requirements file. An incompatible
// dependency is a hard block: no retry can make it compatible.
type Dependencies struct {
	deps stage.Deps
	cfg  Config

	identified []string
}

// NewDependencies creates the dependencies stage.
func NewDependencies(deps stage.Deps, cfg Config) *Dependencies {
	return &Dependencies{deps: deps, cfg: cfg}
}

func (s *Dependencies) Name() string { return "dependencies" }

// Setup pulls the identified dependency list out of the context.
func (s *Dependencies) Setup(pctx *stage.Context) error {
	v, ok := pctx.Get(KeyDependencies)
	if !ok {
		return fmt.Errorf("no %s in context", KeyDependencies)
	}
	switch list := v.(type) {
	case []string:
		s.identified = list
	case []any:
		for _, item := range list {
			if str, ok := item.(string); ok {
				s.identified = append(s.identified, str)
			}
		}
	default:
		return fmt.Errorf("%s has unexpected type %T", KeyDependencies, v)
	}
	return nil
}

func (s *Dependencies) Run(_ context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	var lines []string
	for _, dep := range s.identified {
		name := strings.ToLower(strings.TrimSpace(dep))
		if name == "" {
			continue
		}

		for _, denied := range s.cfg.DeniedDependencies {
			if name == strings.ToLower(denied) {
				return nil, llm.NewFatalError(
					fmt.Errorf("dependency %q is denied by policy", dep))
			}
		}

		version := ""
		if len(s.cfg.KnownDependencies) > 0 {
			known, ok := s.cfg.KnownDependencies[name]
			if !ok {
				return nil, llm.NewFatalError(
					fmt.Errorf("dependency %q is not in the compatibility set", dep))
			}
			version = known
		}

		if version != "" {
			lines = append(lines, name+"=="+version)
		} else {
			lines = append(lines, name)
		}
	}

	reqPath := filepath.Join(s.cfg.WorkDir, c.CardID, "requirements.txt")
	if err := writeReport(reqPath, strings.Join(lines, "\n")+"\n"); err != nil {
		return nil, err
	}

	return map[string]any{
		KeyRequirementsFile: reqPath,
	}, nil
}
