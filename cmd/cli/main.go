package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	cliName    = "amplify"
	cliVersion = "0.1.0"
)

var (
	flagAddr  string
	flagUser  string
	flagModel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Amplify gateway operations CLI",
		Long:  "Inspect and exercise a running Amplify LLM gateway: list models, resolve aliases, send chat requests.",
	}

	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://localhost:8080", "gateway address")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", os.Getenv("USER"), "user id sent as the request principal")

	chatCmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one chat message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}
	chatCmd.Flags().StringVarP(&flagModel, "model", "m", "", "model id or alias")
	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List the models available to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/available_models")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "aliases",
		Short: "Show the model alias table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/model_aliases")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "resolve [name]",
		Short: "Resolve one alias to its concrete model id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/model_aliases/" + args[0])
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the local gateway setup",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")

	payload := map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": message}},
	}
	if flagModel != "" {
		payload["options"] = map[string]interface{}{
			"model": map[string]string{"id": flagModel},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, flagAddr+"/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", flagUser)

	resp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		printEvent(strings.TrimPrefix(line, "data: "))
	}
	fmt.Println()
	return scanner.Err()
}

// printEvent renders one stream event: deltas inline, errors to stderr,
// everything else silently skipped.
func printEvent(payload string) {
	var ev struct {
		Type string      `json:"type"`
		S    interface{} `json:"s"`
		D    interface{} `json:"d"`
		Text string      `json:"text"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return
	}
	switch {
	case ev.Type == "error":
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Text)
	case ev.Type == "end" || ev.Type == "result":
		// end is implicit; result carries workflow output
		if s, ok := ev.D.(string); ok && ev.Type == "result" {
			fmt.Print(s)
		}
	case ev.S == "meta" || ev.S == "state":
		// control events
	default:
		if s, ok := ev.D.(string); ok {
			fmt.Print(s)
		}
	}
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, flagAddr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-Id", flagUser)

	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s doctor v%s\n\n", cliName, cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"model catalog", func() (string, bool) { return checkFile("models.json") }},
		{"alias file", func() (string, bool) { return checkFile("model_aliases.json") }},
		{"gateway", checkGateway},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		mark := "ok "
		if !ok {
			mark = "FAIL"
			allOK = false
		}
		fmt.Printf("  [%s] %-14s %s\n", mark, c.name, val)
	}

	fmt.Println()
	if !allOK {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("all checks passed")
	return nil
}

func checkConfig() (string, bool) {
	candidates := []string{
		filepath.Join(os.Getenv("HOME"), ".amplify-gateway", "config.yaml"),
		"./config/config.yaml",
		"./config.yaml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "no config.yaml found (defaults apply)", true
}

func checkFile(name string) (string, bool) {
	if _, err := os.Stat(name); err == nil {
		return name, true
	}
	return name + " not found", false
}

func checkGateway() (string, bool) {
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Get(flagAddr + "/health")
	if err != nil {
		return "not reachable at " + flagAddr, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("unhealthy (%d)", resp.StatusCode), false
	}
	return "healthy at " + flagAddr, true
}
