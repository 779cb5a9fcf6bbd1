package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPoolsCmd() *cobra.Command {
	var flagDevices bool

	cmd := &cobra.Command{
		Use:   "pools [pool-id]",
		Short: "Query pools from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/pools"
			if len(args) == 1 {
				path += "/" + url.PathEscape(strings.TrimSpace(args[0]))
				if flagDevices {
					path += "/devices"
				}
			} else if flagDevices {
				return errors.New("--devices requires a pool id")
			}
			return fetchJSON(cmd.Context(), serverBaseURL()+path, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&flagDevices, "devices", false, "List the devices of the given pool")
	return cmd
}

// fetchJSON GETs target and pretty prints the JSON body to out.
func fetchJSON(ctx context.Context, target string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "query %s", target)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrapf(err, "decode %s response", target)
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return errors.Wrap(err, "format response")
	}
	fmt.Fprintln(out, string(pretty))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("server answered %s", resp.Status)
	}
	return nil
}
