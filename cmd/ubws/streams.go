package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// streamRow mirrors registry.Info as served by a running instance.
type streamRow struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Endpoint string   `json:"endpoint"`
	Channels []string `json:"channels"`
	State    string   `json:"state"`
	ConnID   int      `json:"conn_id"`
	Reason   string   `json:"reason"`
	Queue    struct {
		Count   int   `json:"count"`
		Dropped int64 `json:"dropped"`
	} `json:"queue"`
}

func newStreamsCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List the streams of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var rows []streamRow
			if err := getJSON(ctx, addr+"/streams", &rows); err != nil {
				return err
			}
			return printStreams(cmd.OutOrStdout(), rows)
		},
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:9090", "base URL of the instance's HTTP server")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a stream on a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := post(ctx, addr+"/streams/"+args[0]+"/stop"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stream %s stopped\n", args[0])
			return nil
		},
	})
	return cmd
}

func printStreams(w io.Writer, rows []streamRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tENDPOINT\tSTATE\tCONN\tCHANNELS\tQUEUED\tDROPPED\tREASON")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
			r.ID, r.Label, r.Endpoint, r.State, r.ConnID,
			strings.Join(r.Channels, ","), r.Queue.Count, r.Queue.Dropped, r.Reason)
	}
	return tw.Flush()
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
