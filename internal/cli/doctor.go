package cli

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetcap/internal/app"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

func newDoctorCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := NewFormatter(cmd.OutOrStdout())
			cfg := o.cfg

			a, cleanup, err := o.newApp(cmd.Context(), app.WithoutHTTP())
			if err != nil {
				return err
			}
			defer cleanup()

			rep := a.Health().Run(cmd.Context())
			names := make([]string, 0, len(rep.Checks))
			for name := range rep.Checks {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				res := rep.Checks[name]
				f.SetupCheck(name, res == "ok", strings.TrimPrefix(res, "fail: "))
			}
			ok := rep.OK()

			if cfg.Backend.APIKey != "" {
				f.SetupCheck("API key", true, "configured")
			} else {
				f.SetupCheck("API key", true, "not set; fine for a local backend, otherwise set MEETCAP_API_KEY")
			}

			if cfg.Capture.Source == config.SourceFFmpeg {
				switch {
				case cfg.Capture.Mode == types.CaptureDisplay:
					f.SetupCheck("Capture", true, "display audio")
				case cfg.Capture.Device == "":
					f.SetupCheck("Capture", true, "platform default input; set capture.device to a loopback driver to record the other side")
				case capture.LooksLikeLoopback(cfg.Capture.Device):
					f.SetupCheck("Capture", true, "loopback driver "+cfg.Capture.Device)
				default:
					f.SetupCheck("Capture", false, cfg.Capture.Device+" does not look like a loopback driver (BlackHole, VB-CABLE, PulseAudio monitor)")
					ok = false
				}
			}

			if ok {
				f.Success("\nAll prerequisites met. Ready to record!")
			} else {
				f.Warning("\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}
