// Package main fleetctl 协调器运维命令行
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleet-coordinator/internal/agentclient"
	"fleet-coordinator/internal/shared/tlsutil"
)

// cli 命令共享的状态
type cli struct {
	serverURL string
	caFile    string
	timeout   time.Duration
	out       io.Writer
}

func (c *cli) client() *agentclient.Client {
	httpClient := &http.Client{Timeout: c.timeout}
	if c.caFile != "" {
		hc, err := tlsutil.HTTPClient(c.caFile, c.timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: ignoring CA file %s: %v\n", c.caFile, err)
		} else {
			httpClient = hc
		}
	}
	return agentclient.New(c.serverURL, httpClient)
}

// printJSON 以缩进 JSON 输出
func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Agent 集群协调器命令行",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", envOr("COORDINATOR_URL", "http://localhost:8080"), "协调器地址")
	root.PersistentFlags().StringVar(&c.caFile, "ca-file", os.Getenv("TLS_CA_FILE"), "信任的协调器 CA 证书")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "单次请求超时")

	root.AddCommand(
		newHealthCmd(c),
		newAgentsCmd(c),
		newCommandsCmd(c),
		newScriptsCmd(c),
		newTasksCmd(c),
		newScenariosCmd(c),
		newExecutionsCmd(c),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
