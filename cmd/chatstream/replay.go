package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatstream/internal/domain"
	"chatstream/internal/usecase/reducer"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE",
		Short: "Fold a recorded event log into the message version it produces",
		Long: `replay reads envelopes as JSON lines (one per line, as delivered on the
SSE data field) and prints the resulting message version. Protocol
violations are reported on stderr. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			v, violations, err := replay(in)
			if err != nil {
				return err
			}
			for _, pv := range violations {
				fmt.Fprintf(cmd.ErrOrStderr(), "violation: %v\n", &pv)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

// replay decodes envelopes line by line and reduces them onto an empty
// streaming version. Heartbeats and blank lines are skipped.
func replay(r io.Reader) (domain.MessageVersion, []reducer.ProtocolViolation, error) {
	var envs []domain.Envelope
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		text = strings.TrimPrefix(text, "data: ")
		if text == "" {
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			return domain.MessageVersion{}, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, ok := env.Event.(domain.Heartbeat); ok {
			continue
		}
		envs = append(envs, env)
	}
	if err := sc.Err(); err != nil {
		return domain.MessageVersion{}, nil, fmt.Errorf("read events: %w", err)
	}

	v := domain.MessageVersion{Status: domain.StatusStreaming}
	if len(envs) > 0 {
		v.ID = envs[0].VersionID
		v.RequestID = envs[0].RequestID
	}
	out, violations := reducer.Reduce(v, envs)
	return out, violations, nil
}
