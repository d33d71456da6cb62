// Command orchestryctl is a thin HTTP client over the Orchestry API Surface:
// register, start, stop, scale, and inspect applications from the shell.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arjuuuuunnnnn/orchestry/internal/cliconfig"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:   "orchestryctl",
		Short: "Orchestry control-plane client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "config" {
				return nil
			}
			url, err := cliconfig.Load()
			if err != nil || url == "" {
				return fmt.Errorf("orchestryctl is not configured, run 'orchestryctl config' first")
			}
			baseURL = url
			return nil
		},
	}

	root.AddCommand(configCmd, registerCmd, upCmd, downCmd, statusCmd, scaleCmd, listCmd, metricsCmd, specCmd, logsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Point orchestryctl at a controller host and port",
	Run: func(cmd *cobra.Command, args []string) {
		var host string
		var port int
		fmt.Print("Host (e.g., localhost): ")
		fmt.Scanln(&host)
		fmt.Print("Port (e.g., 8000): ")
		fmt.Scanln(&port)

		url := fmt.Sprintf("http://%s:%d", host, port)
		fmt.Printf("Connecting to %s...\n", url)
		if !cliconfig.IsReachable(url) {
			fmt.Fprintln(os.Stderr, "could not reach the orchestry controller at that address")
			os.Exit(1)
		}
		if err := cliconfig.Save(host, port); err != nil {
			fmt.Fprintln(os.Stderr, "saving config:", err)
			os.Exit(1)
		}
		fmt.Println("configuration saved")
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [spec-file]",
	Short: "Register an app from a YAML or JSON spec",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()

		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading spec file:", err)
			os.Exit(1)
		}

		var spec interface{}
		ext := filepath.Ext(args[0])
		if ext == ".yaml" || ext == ".yml" {
			err = yaml.Unmarshal(data, &spec)
		} else {
			err = json.Unmarshal(data, &spec)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "parsing spec:", err)
			os.Exit(1)
		}

		body, _ := json.Marshal(spec)
		resp, err := http.Post(baseURL+"/apps/register", "application/json", bytes.NewReader(body))
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "app registered", "registration failed")
	},
}

var upCmd = &cobra.Command{
	Use:   "up [name]",
	Short: "Start an app",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		resp, err := http.Post(fmt.Sprintf("%s/apps/%s/up", baseURL, args[0]), "application/json", nil)
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var downCmd = &cobra.Command{
	Use:   "down [name]",
	Short: "Stop an app",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		resp, err := http.Post(fmt.Sprintf("%s/apps/%s/down", baseURL, args[0]), "application/json", nil)
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show an app's status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		resp, err := http.Get(fmt.Sprintf("%s/apps/%s/status", baseURL, args[0]))
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale [name] [replicas]",
	Short: "Scale an app to a specific replica count",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		var replicas int
		fmt.Sscanf(args[1], "%d", &replicas)

		fmt.Printf("scaling '%s' to %d replicas\n", args[0], replicas)
		body, _ := json.Marshal(map[string]int{"replicas": replicas})
		resp, err := http.Post(fmt.Sprintf("%s/apps/%s/scale", baseURL, args[0]), "application/json", bytes.NewReader(body))
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered apps",
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		resp, err := http.Get(baseURL + "/apps")
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics [name]",
	Short: "Show system or per-app metrics",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		url := baseURL + "/metrics"
		if len(args) > 0 {
			url = fmt.Sprintf("%s/apps/%s/metrics", baseURL, args[0])
		}
		resp, err := http.Get(url)
		exitOnErr(err)
		defer resp.Body.Close()
		printResponse(resp, "", "")
	},
}

var specCmd = &cobra.Command{
	Use:   "spec [name]",
	Short: "Show an app's spec",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		raw, _ := cmd.Flags().GetBool("raw")

		resp, err := http.Get(fmt.Sprintf("%s/apps/%s/raw", baseURL, args[0]))
		exitOnErr(err)
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			fmt.Fprintf(os.Stderr, "app '%s' not found\n", args[0])
			os.Exit(1)
		}

		var data map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&data)

		if raw {
			if rawSpec, ok := data["raw"]; ok {
				out, _ := yaml.Marshal(rawSpec)
				fmt.Println(string(out))
			} else {
				fmt.Println("no raw spec available")
			}
			return
		}
		if parsed, ok := data["parsed"].(map[string]interface{}); ok {
			out, _ := yaml.Marshal(parsed)
			fmt.Println(string(out))
		}
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [name]",
	Short: "Show recent logs for an app",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireReachable()
		lines, _ := cmd.Flags().GetInt("lines")

		resp, err := http.Get(fmt.Sprintf("%s/apps/%s/logs?lines=%d", baseURL, args[0], lines))
		exitOnErr(err)
		defer resp.Body.Close()

		var data struct {
			App  string            `json:"app"`
			Logs map[string]string `json:"logs"`
		}
		json.NewDecoder(resp.Body).Decode(&data)

		containers := make([]string, 0, len(data.Logs))
		for id := range data.Logs {
			containers = append(containers, id)
		}
		sort.Strings(containers)

		fmt.Printf("logs for '%s' (%d container(s)):\n\n", data.App, len(containers))
		for _, id := range containers {
			fmt.Printf("--- %s ---\n%s\n", id, data.Logs[id])
		}
	},
}

func init() {
	specCmd.Flags().Bool("raw", false, "show the raw, as-submitted spec")
	logsCmd.Flags().IntP("lines", "n", 100, "number of log lines to fetch")
}

func requireReachable() {
	if !cliconfig.IsReachable(baseURL) {
		fmt.Fprintln(os.Stderr, "orchestry controller is not reachable at", baseURL)
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printResponse(resp *http.Response, successMsg, failMsg string) {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		if successMsg != "" {
			fmt.Println(successMsg)
		}
		var out interface{}
		json.Unmarshal(body, &out)
		pretty, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(pretty))
		return
	}
	if failMsg != "" {
		fmt.Fprintln(os.Stderr, failMsg)
	}
	fmt.Fprintln(os.Stderr, string(body))
	os.Exit(1)
}
