// Command brokerctl is the administrative CLI for talking to a running
// brokerd over its HTTP control plane.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/oriys/msgbroker/internal/spec"
	"github.com/spf13/cobra"
)

var brokerAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerctl",
		Short: "brokerctl administers a running broker daemon",
	}
	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", "http://localhost:8080", "broker control-plane base URL")

	rootCmd.AddCommand(listCmd(), declareCmd(), deleteCmd(), applyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := httpClient.Post(brokerAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", brokerAddr, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("broker returned %s: %s", resp.Status, string(body))
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List all declared queues",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Get(brokerAddr + "/colas")
			if err != nil {
				return fmt.Errorf("request to %s: %w", brokerAddr, err)
			}
			defer resp.Body.Close()
			if err := checkStatus(resp); err != nil {
				return err
			}

			var result struct {
				Colas []string `json:"colas"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE")
			for _, name := range result.Colas {
				fmt.Fprintf(w, "%s\n", name)
			}
			return w.Flush()
		},
	}
}

func declareCmd() *cobra.Command {
	var durable bool
	var file string

	cmd := &cobra.Command{
		Use:   "declare [name]",
		Short: "Declare a queue, either by name or from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				ms, err := spec.ParseFile(file)
				if err != nil {
					return fmt.Errorf("parse manifest: %w", err)
				}
				for _, qs := range ms.Queues {
					if err := qs.Validate(); err != nil {
						return fmt.Errorf("invalid queue spec %q: %w", qs.Name, err)
					}
					if err := declareOne(qs.Name, qs.Durable); err != nil {
						return err
					}
					fmt.Printf("declared queue %q (durable=%t)\n", qs.Name, qs.Durable)
				}
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("requires exactly one queue name, or --file")
			}
			if err := declareOne(args[0], durable); err != nil {
				return err
			}
			fmt.Printf("declared queue %q (durable=%t)\n", args[0], durable)
			return nil
		},
	}

	cmd.Flags().BoolVar(&durable, "durable", false, "persist this queue's durable messages across restarts")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML manifest of one or more queues")
	return cmd
}

func declareOne(name string, durable bool) error {
	resp, err := postJSON("/declarar_cola", map[string]any{"nombre": name, "durable": durable})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Short:   "Delete a queue",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, brokerAddr+"/colas/"+args[0], nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("request to %s: %w", brokerAddr, err)
			}
			defer resp.Body.Close()
			if err := checkStatus(resp); err != nil {
				return err
			}
			fmt.Printf("deleted queue %q\n", args[0])
			return nil
		},
	}
}

func applyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a YAML manifest of queue declarations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			ms, err := spec.ParseFile(file)
			if err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			for _, qs := range ms.Queues {
				if err := qs.Validate(); err != nil {
					return fmt.Errorf("invalid queue spec %q: %w", qs.Name, err)
				}
				if err := declareOne(qs.Name, qs.Durable); err != nil {
					return fmt.Errorf("declare %q: %w", qs.Name, err)
				}
				fmt.Printf("applied queue %q (durable=%t)\n", qs.Name, qs.Durable)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML manifest of one or more queues")
	return cmd
}
