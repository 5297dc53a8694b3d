package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/health"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/device"
)

var statusAPIPort int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	Long: `Query the readiness endpoint of a running agent and display the
device status: synchronizer phase, banks, running version and volume usage.

Examples:
  # Check status (port from config, 8080 without one)
  flashkv status

  # Check status with custom API port
  flashkv status --api-port 9080

  # Output as JSON
  flashkv status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 0, "API server port (default: from config)")
}

// AgentStatus is the result of a status query.
type AgentStatus struct {
	Running bool           `json:"running" yaml:"running"`
	Healthy bool           `json:"healthy" yaml:"healthy"`
	Message string         `json:"message" yaml:"message"`
	Device  *device.Status `json:"device,omitempty" yaml:"device,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}

	port := statusAPIPort
	if port == 0 {
		port = 8080
		if cfg, err := config.Load(cmdutil.Flags.ConfigFile); err == nil && cfg.API.Port != 0 {
			port = cfg.API.Port
		}
	}

	status := AgentStatus{Message: "Agent is not running"}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health/ready", port))
	if err == nil {
		defer func() { _ = resp.Body.Close() }()

		var healthResp health.Response
		if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
			status.Running = true
			status.Message = "Agent is running but health response invalid"
		} else {
			status.Running = true
			status.Healthy = healthResp.Healthy()
			if status.Healthy {
				var st device.Status
				if err := healthResp.Decode(&st); err == nil {
					status.Device = &st
				}
				status.Message = "Agent is running and healthy"
			} else {
				status.Message = fmt.Sprintf("Agent is running but unhealthy: %s", healthResp.Error)
			}
		}
	}

	switch format {
	case output.FormatTable:
		printStatusTable(status)
		return nil
	default:
		return output.Print(os.Stdout, format, status)
	}
}

func printStatusTable(status AgentStatus) {
	fmt.Println()
	fmt.Println("flashkv Agent Status")
	fmt.Println("====================")
	fmt.Println()

	switch {
	case status.Running && status.Healthy:
		fmt.Printf("  Status:     \033[32m● Running\033[0m\n")
	case status.Running:
		fmt.Printf("  Status:     \033[33m● Running (unhealthy)\033[0m\n")
	default:
		fmt.Printf("  Status:     \033[31m○ Stopped\033[0m\n")
	}

	if st := status.Device; st != nil {
		fmt.Println()
		_ = output.PrintPairs(os.Stdout, [][2]string{
			{"Firmware", st.Running},
			{"Running bank", fmt.Sprint(int(st.RunningBank))},
			{"Selected bank", fmt.Sprint(int(st.SelectedBank))},
			{"Image state", st.Image},
			{"Flash phase", st.Phase},
			{"Flash users", fmt.Sprint(st.Flash.Users)},
			{"Flash operations", fmt.Sprint(st.Flash.Operations)},
			{"Flash failures", fmt.Sprint(st.Flash.Failures)},
			{"Volume", st.VolumeID},
			{"Files", fmt.Sprint(st.Usage.Files)},
			{"Blocks used", fmt.Sprintf("%d / %d", st.Usage.UsedBlocks, st.Usage.TotalBlocks)},
		})
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
