package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/llmbudget/internal/services/budget"
)

var (
	engine     *budget.Engine
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool

	stdout io.Writer = os.Stdout
)

// SetEngine enables direct database access through a budget engine.
func SetEngine(e *budget.Engine) {
	engine = e
}

// SetAPIConfig sets the API configuration for remote access
func SetAPIConfig(url, key string) {
	apiURL = url
	apiKey = key
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output
func SetVerbose(v bool) {
	verbose = v
}

// SetOutput redirects command output.
func SetOutput(w io.Writer) {
	stdout = w
}

// HTTPClient is a configured HTTP client for API calls
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// APIRequest makes a request to the budget admin API
func APIRequest(method, endpoint string, body interface{}) (*http.Response, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("API URL required for remote operations")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, apiURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	if verbose {
		fmt.Fprintf(os.Stderr, "Making %s request to: %s\n", method, apiURL+endpoint)
	}

	return HTTPClient.Do(req)
}

// apiCall performs an API request and decodes a successful JSON response
// into out. Non-2xx responses are turned into errors.
func apiCall(method, endpoint string, body, out interface{}) error {
	resp, err := APIRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		jsonRows := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// IsDirectDBAccess returns true if we have database access
func IsDirectDBAccess() bool {
	return engine != nil
}

// IsAPIAccess returns true if we have API access configured
func IsAPIAccess() bool {
	return apiURL != ""
}

func requireAccess() error {
	if !IsDirectDBAccess() && !IsAPIAccess() {
		return fmt.Errorf("either --db-url or --api-url is required")
	}
	return nil
}

// NewConfigCommand creates a new config command for inspecting CLI configuration
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]interface{}{
				"database_access": IsDirectDBAccess(),
				"api_access":      IsAPIAccess(),
				"output_json":     outputJSON,
				"verbose":         verbose,
			}
			if IsAPIAccess() {
				settings["api_url"] = apiURL
			}

			if outputJSON {
				OutputJSON(settings)
				return nil
			}

			fmt.Fprintf(stdout, "Database Access: %v\n", IsDirectDBAccess())
			fmt.Fprintf(stdout, "API Access: %v\n", IsAPIAccess())
			if IsAPIAccess() {
				fmt.Fprintf(stdout, "API URL: %s\n", apiURL)
			}
			fmt.Fprintf(stdout, "JSON Output: %v\n", outputJSON)
			fmt.Fprintf(stdout, "Verbose: %v\n", verbose)
			return nil
		},
	})

	return cmd
}
