package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/qforce/netengine/internal/engine"
	"github.com/qforce/netengine/internal/models"
)

var requestCmd = &cobra.Command{
	Use:   "request <method> <url>",
	Short: "Run one HTTP operation through the engine",
	Long: `Request enqueues a single operation and waits for it to finish.
Relative URLs resolve against --host; absolute URLs are used as-is.`,
	Example: `  netengine request GET /services/data/v60.0/query --host na1.example.com --param q="SELECT Id FROM Account"
  netengine request GET /files/report.pdf --host na1.example.com --download ./report.pdf
  netengine request POST /services/apexrest/orders --host na1.example.com --param sku=W-1 --param qty=3`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

var (
	requestHost      string
	requestToken     string
	requestParams    []string
	requestHeaders   []string
	requestTag       string
	requestTimeout   time.Duration
	requestRetry     bool
	requestDownload  string
	requestNoEncrypt bool
	requestNoAuth    bool
)

func init() {
	rootCmd.AddCommand(requestCmd)

	requestCmd.Flags().StringVar(&requestHost, "host", "",
		"Origin host for relative URLs")
	requestCmd.Flags().StringVar(&requestToken, "token", "",
		"Access token (will prompt if required and not provided)")
	requestCmd.Flags().StringArrayVar(&requestParams, "param", nil,
		"Request parameter as key=value (repeatable)")
	requestCmd.Flags().StringArrayVar(&requestHeaders, "header", nil,
		"Extra header as key=value (repeatable)")
	requestCmd.Flags().StringVar(&requestTag, "tag", "",
		"Tag for the operation")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 0,
		"Per-operation timeout (0 uses the configured default)")
	requestCmd.Flags().BoolVar(&requestRetry, "retry", false,
		"Retry automatically on network errors")
	requestCmd.Flags().StringVar(&requestDownload, "download", "",
		"Write the response body to this file")
	requestCmd.Flags().BoolVar(&requestNoEncrypt, "no-encrypt", false,
		"Store the downloaded file without encryption")
	requestCmd.Flags().BoolVar(&requestNoAuth, "no-auth", false,
		"Send the request without an access token")
}

func runRequest(cmd *cobra.Command, args []string) error {
	method := strings.ToUpper(args[0])
	url := args[1]

	params, err := parsePairs(requestParams)
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	headers, err := parsePairs(requestHeaders)
	if err != nil {
		return fmt.Errorf("parse headers: %w", err)
	}

	needsSession := cfg.Engine.RemoteHost == "" && (requestHost != "" || requestToken != "")
	if needsSession {
		token := requestToken
		if token == "" && !requestNoAuth {
			token, err = promptToken("Access token: ")
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
		}
		apiClient.SetSession(&models.Session{
			Host:        requestHost,
			AccessToken: token,
		})
	}

	apiClient.Start()

	op, err := apiClient.Engine.Operation(url, params, method, true)
	if err != nil {
		return fmt.Errorf("build operation: %w", err)
	}

	op.Tag = requestTag
	if requestTimeout > 0 {
		op.Timeout = requestTimeout
	}
	if requestRetry {
		op.RetryOnNetworkError = true
	}
	if requestDownload != "" {
		op.DownloadPath = requestDownload
		op.EncryptDownload = !requestNoEncrypt
	}
	if requestNoAuth {
		op.RequiresAccessToken = false
	}
	for k, v := range headers {
		op.SetHeader(k, v)
	}

	done := make(chan error, 1)
	op.AddCompletion(func(*engine.Operation) { done <- nil }, func(err error) { done <- err })
	op.AddCancelFunc(func(*engine.Operation) { done <- models.ErrCancelled })

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		printError("interrupted, cancelling")
		apiClient.Engine.CancelAllOperations()
	}()

	if cfg.Engine.SuspendInBackground {
		watchStopSignals()
	}

	apiClient.Engine.Enqueue(op)

	if err := <-done; err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"state":   op.State().String(),
				"status":  op.StatusCode(),
				"code":    models.CodeOf(err),
				"error":   err.Error(),
			})
		} else {
			printError("%s %s failed: %v", method, op.URL, err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"state":   op.State().String(),
			"status":  op.StatusCode(),
			"body":    op.ResponseString(),
		})
		return nil
	}

	if requestDownload != "" {
		printSuccess("%s %s -> %s (status %d)", method, op.URL, requestDownload, op.StatusCode())
	} else {
		printSuccess("%s %s (status %d)", method, op.URL, op.StatusCode())
		if body := op.ResponseString(); body != "" {
			fmt.Println(body)
		}
	}
	return nil
}

// watchStopSignals freezes admission while the process is stopped.
// SIGTSTP suspends the engine before the default stop takes effect;
// SIGCONT resumes admission.
func watchStopSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTSTP, syscall.SIGCONT)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGTSTP:
				apiClient.Engine.SuspendAllOperations()
				signal.Reset(syscall.SIGTSTP)
				_ = syscall.Kill(os.Getpid(), syscall.SIGTSTP)
				signal.Notify(sigs, syscall.SIGTSTP)
			case syscall.SIGCONT:
				apiClient.Engine.ResumeAllOperations()
			}
		}
	}()
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[key] = value
	}
	return out, nil
}

func promptToken(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read without echo
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(token), nil
}
