package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obiente/translate/autosub/internal/config"
	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/workspace"
)

func openUpload(path string) (service.Upload, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return service.Upload{}, nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	ctype := mime.TypeByExtension(ext)
	if ctype == "" && videoExts[ext] {
		ctype = "video/" + strings.TrimPrefix(ext, ".")
	}
	return service.Upload{
		Filename:    filepath.Base(path),
		ContentType: ctype,
		Body:        f,
	}, f, nil
}

// videoExts covers hosts without a mime.types file.
var videoExts = map[string]bool{".mp4": true, ".mkv": true, ".mov": true, ".webm": true, ".avi": true}

func newTranscribeCmd(cfg *config.Config) *cobra.Command {
	var language, srtPath, vttPath string
	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "Transcribe a local audio or video file",
		Long:  "Transcribe prints the JSON response to stdout and optionally writes the subtitles to files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			up, f, err := openUpload(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			resp, err := a.svc.Transcribe(cmd.Context(), up, language)
			if err != nil {
				return err
			}
			for _, out := range []struct{ path, body string }{{srtPath, resp.SRT}, {vttPath, resp.VTT}} {
				if out.path == "" {
					continue
				}
				if err := os.WriteFile(out.path, []byte(out.body), 0o644); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "language hint such as en (default: detect)")
	cmd.Flags().StringVar(&srtPath, "srt", "", "also write SRT subtitles to this file")
	cmd.Flags().StringVar(&vttPath, "vtt", "", "also write WebVTT subtitles to this file")
	return cmd
}

func newBurnCmd(cfg *config.Config) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "burn <video> <subs.srt>",
		Short: "Burn an SRT file into a video",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srtText, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			up, f, err := openUpload(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			burned, err := a.svc.Burn(cmd.Context(), up, string(srtText))
			if err != nil {
				return err
			}
			defer workspace.Remove(burned)
			if err := moveFile(burned, output); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "subtitled.mp4", "destination video path")
	return cmd
}

// moveFile renames src to dest, copying when they sit on different devices.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
