package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/awg-exporter/buildinfo"
	"github.com/coder/serpent"
)

// version prints the awg-exporter version
func (*RootCmd) version() *serpent.Command {
	handleHuman := func(inv *serpent.Invocation) error {
		var str strings.Builder
		_, _ = str.WriteString("awg-exporter ")
		_, _ = str.WriteString(buildinfo.Version())
		buildTime, valid := buildinfo.Time()
		if valid {
			_, _ = str.WriteString(" " + buildTime.Format(time.UnixDate))
		}
		_, _ = fmt.Fprintln(inv.Stdout, str.String())
		return nil
	}

	handleJSON := func(inv *serpent.Invocation) error {
		buildTime, _ := buildinfo.Time()
		revision, _ := buildinfo.Revision()
		versionInfo := struct {
			Version   string `json:"version"`
			Revision  string `json:"revision"`
			BuildTime string `json:"build_time"`
		}{
			Version:   buildinfo.Version(),
			Revision:  revision,
			BuildTime: buildTime.Format(time.UnixDate),
		}

		enc := json.NewEncoder(inv.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(versionInfo)
	}

	var outputJSON bool

	return &serpent.Command{
		Use:   "version",
		Short: "Show awg-exporter version",
		Options: serpent.OptionSet{
			{
				Name:        "output-json",
				Description: "Output version as JSON.",
				Flag:        "json",
				Value:       serpent.BoolOf(&outputJSON),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			if outputJSON {
				return handleJSON(inv)
			}
			return handleHuman(inv)
		},
	}
}
