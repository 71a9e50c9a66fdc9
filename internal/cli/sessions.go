package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetcap/internal/app"
	"github.com/MrWong99/meetcap/internal/backend"
)

func newSessionsCmd(o *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				limit = o.cfg.Backend.ListingLimit
			}
			a, cleanup, err := o.newApp(cmd.Context(), app.WithoutHTTP())
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := a.Backend().ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			NewFormatter(cmd.OutOrStdout()).Sessions(items)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of sessions to list (default backend.listing_limit)")

	return cmd
}

func newArtifactCmd(o *options) *cobra.Command {
	var (
		kind     string
		source   string
		format   string
		outPath  string
		generate bool
	)

	cmd := &cobra.Command{
		Use:   "artifact <session-id>",
		Short: "Download a transcript, report or structured table of a session",
		Long: "Download a stored artifact of a session. With --generate the report or\n" +
			"structured table is requested from the backend first.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := backend.ParseArtifactKind(kind)
			if err != nil {
				return err
			}
			derived := k == backend.ArtifactReport || k == backend.ArtifactStructured
			if generate && !derived {
				return errors.New("--generate only applies to report and structured artifacts")
			}
			req := backend.ArtifactRequest{Kind: k, Format: format}
			if derived {
				req.Source = source
			}

			a, cleanup, err := o.newApp(cmd.Context(), app.WithoutHTTP())
			if err != nil {
				return err
			}
			defer cleanup()
			be := a.Backend()
			out := NewFormatter(cmd.ErrOrStderr())

			id := args[0]
			if generate {
				gen := be.GenerateReport
				if k == backend.ArtifactStructured {
					gen = be.GenerateStructured
				}
				if err := gen(cmd.Context(), id, source); err != nil {
					return err
				}
				out.Info(fmt.Sprintf("Requested %s for session %s", k, id))
			}

			art, err := be.Artifact(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(art.Data)
				return err
			}
			if err := os.WriteFile(outPath, art.Data, 0o644); err != nil {
				return fmt.Errorf("write artifact: %w", err)
			}
			out.Success(fmt.Sprintf("Saved %s (%d bytes)", outPath, len(art.Data)))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", string(backend.ArtifactClean), "artifact kind: raw, clean, report or structured")
	f.StringVar(&source, "source", "clean", "transcript the report or table derives from: raw or clean")
	f.StringVar(&format, "fmt", "", "file format (default txt, csv for structured)")
	f.StringVarP(&outPath, "output", "o", "", "write to this file instead of stdout")
	f.BoolVar(&generate, "generate", false, "request the report or table before downloading")

	return cmd
}
