package rules

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// secretsConfig is the gitleaks default ruleset, translated once.
var secretsConfig = sync.OnceValues(func() (config.Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return config.Config{}, fmt.Errorf("failed to read embedded config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return config.Config{}, fmt.Errorf("failed to unmarshal embedded config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to translate ViperConfig to Config: %w", err)
	}
	return cfg, nil
})

// detectors recycles gitleaks detectors, which keep per-scan state.
var detectors sync.Pool

func acquireDetector() (*detect.Detector, error) {
	if d, ok := detectors.Get().(*detect.Detector); ok {
		return d, nil
	}
	cfg, err := secretsConfig()
	if err != nil {
		return nil, err
	}
	return detect.NewDetector(cfg), nil
}

// SecretsRule finds credentials such as API keys and private keys using the
// gitleaks default ruleset.
type SecretsRule struct {
	Properties
}

var _ SimpleRule = (*SecretsRule)(nil)

func NewSecretsRule(opts ...Option) *SecretsRule {
	return &SecretsRule{Properties: newProperties(opts)}
}

func (r *SecretsRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *SecretsRule) OperatesOn() conversions.OutputType { return conversions.Text }
func (r *SecretsRule) Presentation() string               { return r.presentation("secrets and credentials") }

func (r *SecretsRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}
	d, err := acquireDetector()
	if err != nil {
		return nil, err
	}
	findings := d.DetectString(content)
	detectors.Put(d)

	runes := []rune(content)
	idx := newTextIndex(content)
	var out []Match
	for _, f := range findings {
		secret := redactSecret(f.Secret)
		m := Match{}
		if at := strings.Index(content, f.Secret); at >= 0 && f.Secret != "" {
			lo := idx.runeOffset(at)
			hi := lo + len([]rune(f.Secret))
			m = matchContext(runes, lo, hi, func(s string) string {
				return strings.ReplaceAll(s, f.Secret, secret)
			})
		}
		m["match"] = fmt.Sprintf("%s: %s", f.RuleID, secret)
		m["sensitivity"] = int(r.sensitivityOr(Critical))
		out = append(out, m)
	}
	return out, nil
}

// redactSecret keeps the first four characters of a secret.
func redactSecret(s string) string {
	runes := []rune(s)
	if len(runes) <= 4 {
		return strings.Repeat("X", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("X", len(runes)-4)
}

func (r *SecretsRule) ToJSON() any { return r.json("secrets") }

func init() {
	RegisterRule("secrets", func(obj model.Object) (Rule, error) {
		return NewSecretsRule(propertiesFromJSON(obj).opts()...), nil
	})
}
