// Package main implements the govctl CLI for operating a governd control
// plane: submitting intents, inspecting governance state, and approving
// plans. Resume signals go to the operator listener, which is reachable
// only from the daemon's host.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the public gateway.
	serverURL string
	// operatorURL is the base URL of the loopback operator listener.
	operatorURL string
	version     = "dev"
)

// apiKeyEnv names the environment variable carrying the bearer key.
const apiKeyEnv = "GOVERND_API_KEY"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "govctl",
	Short: "CLI for governd control plane operations",
	Long: `govctl is a command-line interface for a running governd daemon.
It submits intents, inspects orchestrator and plan state, and delivers
human approvals and resume signals.

Authentication uses a bearer API key read from the GOVERND_API_KEY
environment variable.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "governd gateway URL")
	rootCmd.PersistentFlags().StringVar(&operatorURL, "operator", "http://127.0.0.1:9091", "governd operator listener URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(intentsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(approvePlanCmd)
	rootCmd.AddCommand(resumeCmd)
}

var (
	submitTarget     string
	submitConfidence float64
	submitMode       string
	submitSource     string
)

var submitCmd = &cobra.Command{
	Use:   "submit <intent-type>",
	Short: "Submit an intent to the governance queue",
	Long: `Submit an intent for schema validation and queuing. Accepted intents
wait in the pending partition until a human approves them.

Examples:
  govctl submit inspect_repo --target services
  govctl submit apply_patch --target /tmp/ct-sandbox/x.go --confidence 0.9`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "intent target")
	submitCmd.Flags().Float64Var(&submitConfidence, "confidence", 0.5, "stated confidence in [0,1]")
	submitCmd.Flags().StringVar(&submitMode, "mode", "reason-only", "execution mode (reason-only, simulate, propose)")
	submitCmd.Flags().StringVar(&submitSource, "source", "govctl", "intent source")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the orchestrator runtime state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(serverURL + "/governance/orchestrator-state")
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans [plan-id]",
	Short: "List composed plans, or show one plan in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := serverURL + "/governance/plans"
		if len(args) == 1 {
			url += "/" + args[0]
		}
		return getJSON(url)
	},
}

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List intents by lifecycle partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(serverURL + "/governance/intents")
	},
}

var (
	auditLimit  int
	auditOffset int
	auditPlanID string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := serverURL + "/governance/audit?limit=" + strconv.Itoa(auditLimit) +
			"&offset=" + strconv.Itoa(auditOffset)
		if auditPlanID != "" {
			url += "&plan_id=" + auditPlanID
		}
		return getJSON(url)
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "events per page (1-1000)")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "pagination offset")
	auditCmd.Flags().StringVar(&auditPlanID, "plan-id", "", "filter events by plan id")
}

var approveCmd = &cobra.Command{
	Use:   "approve <intent-id>",
	Short: "Approve a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(serverURL+"/governance/approve/"+args[0], nil)
	},
}

var approvePlanCmd = &cobra.Command{
	Use:   "approve-plan <plan-id>",
	Short: "Approve a pending composed plan",
	Long: `Approve a composed plan. The control loop must be halted awaiting a
decision; follow with "govctl resume --approve-plan <plan-id>" to begin
execution.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(serverURL+"/governance/approve-composed-plan",
			map[string]any{"plan_id": args[0]})
	},
}

var (
	resumeStepID     int
	resumePlanID     string
	resumePhaseID    string
	resumeSkipPhases []string
	resumeAbort      bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Deliver a resume signal to the halted control loop",
	Long: `Deliver a resume signal through the operator listener. Zero or more
fields may be set; values incompatible with the current halt state are
cleared without effect.

Examples:
  govctl resume --step 2
  govctl resume --approve-plan plan-abc
  govctl resume --approve-phase phase-2 --skip phase-3
  govctl resume --abort`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if resumeStepID > 0 {
			body["step_id"] = resumeStepID
		}
		if resumePlanID != "" {
			body["approve_plan_id"] = resumePlanID
		}
		if resumePhaseID != "" {
			body["approve_phase_id"] = resumePhaseID
		}
		if len(resumeSkipPhases) > 0 {
			body["skip_phases"] = resumeSkipPhases
		}
		if resumeAbort {
			body["abort"] = true
		}
		return postJSON(operatorURL+"/internal/resume", body)
	},
}

func init() {
	resumeCmd.Flags().IntVar(&resumeStepID, "step", 0, "mandate a plan step by id")
	resumeCmd.Flags().StringVar(&resumePlanID, "approve-plan", "", "begin executing an approved plan")
	resumeCmd.Flags().StringVar(&resumePhaseID, "approve-phase", "", "approve the next phase by id")
	resumeCmd.Flags().StringSliceVar(&resumeSkipPhases, "skip", nil, "phase ids to skip")
	resumeCmd.Flags().BoolVar(&resumeAbort, "abort", false, "abort the current plan and clear approvals")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"intent":     args[0],
		"source":     submitSource,
		"confidence": submitConfidence,
		"mode":       submitMode,
	}
	if submitTarget != "" {
		body["target"] = submitTarget
	}
	return postJSON(serverURL+"/intent", body)
}

func getJSON(url string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return doRequest(req)
}

func postJSON(url string, body map[string]any) error {
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req)
}

// doRequest attaches the bearer key, sends the request, and pretty-prints
// the JSON response.
func doRequest(req *http.Request) error {
	if key := os.Getenv(apiKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
