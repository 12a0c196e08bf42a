package cli

import (
	"strings"

	"github.com/prometheus/common/model"
	"golang.org/x/xerrors"

	"github.com/coder/serpent"
)

// labelEnvPrefix marks environment variables that become static labels.
// AWG_EXPORTER_LABEL_INSTANCE=vpn-1 yields instance="vpn-1".
const labelEnvPrefix = "AWG_EXPORTER_LABEL_"

// Label names the collector already uses for its own dimensions.
var reservedLabels = map[string]struct{}{
	"peer":        {},
	"client_name": {},
	"month":       {},
}

// parseLabels parses key=value pairs.
func parseLabels(pairs []string) (map[string]string, error) {
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, xerrors.Errorf("label %q: expected key=value", pair)
		}
		name = strings.TrimSpace(name)
		if err := validLabelName(name); err != nil {
			return nil, err
		}
		labels[name] = strings.TrimSpace(value)
	}
	return labels, nil
}

// staticLabels merges labels from the environment with the ones given as
// flags. Flags win on conflict.
func staticLabels(pairs []string, environ serpent.Environ) (map[string]string, error) {
	labels := map[string]string{}
	for _, env := range environ {
		suffix, ok := strings.CutPrefix(env.Name, labelEnvPrefix)
		if !ok || suffix == "" {
			continue
		}
		name := strings.ToLower(suffix)
		if err := validLabelName(name); err != nil {
			return nil, xerrors.Errorf("environment variable %s: %w", env.Name, err)
		}
		labels[name] = env.Value
	}

	fromFlags, err := parseLabels(pairs)
	if err != nil {
		return nil, err
	}
	for name, value := range fromFlags {
		labels[name] = value
	}
	return labels, nil
}

func validLabelName(name string) error {
	if !model.LabelName(name).IsValidLegacy() {
		return xerrors.Errorf("invalid label name %q", name)
	}
	if strings.HasPrefix(name, model.ReservedLabelPrefix) {
		return xerrors.Errorf("label name %q uses the reserved %q prefix", name, model.ReservedLabelPrefix)
	}
	if _, ok := reservedLabels[name]; ok {
		return xerrors.Errorf("label name %q is used by the exporter", name)
	}
	return nil
}
