package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// apiClient talks to a running tradeloop's operator HTTP surface.
func apiClient(cmd *cobra.Command) *resty.Client {
	base, _ := cmd.Flags().GetString("api")
	return resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second)
}

func printJSON(raw []byte) error {
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiClient(cmd).R().Get("/status")
	if err != nil {
		return fmt.Errorf("is tradeloop running? %w", err)
	}
	return printJSON(resp.Body())
}

func runHalt(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	autoResume, _ := cmd.Flags().GetInt("auto-resume")

	resp, err := apiClient(cmd).R().
		SetBody(map[string]any{
			"by":                  "cli",
			"reason":              reason,
			"auto_resume_seconds": autoResume,
		}).
		Post("/halt")
	if err != nil {
		return fmt.Errorf("is tradeloop running? %w", err)
	}
	return printJSON(resp.Body())
}

func runResume(cmd *cobra.Command, args []string) error {
	resp, err := apiClient(cmd).R().Post("/resume?by=cli")
	if err != nil {
		return fmt.Errorf("is tradeloop running? %w", err)
	}
	return printJSON(resp.Body())
}

func runTrigger(cmd *cobra.Command, args []string) error {
	resp, err := apiClient(cmd).R().Post("/trigger")
	if err != nil {
		return fmt.Errorf("is tradeloop running? %w", err)
	}
	if resp.StatusCode() == 409 {
		fmt.Println("A round is already in flight.")
		return nil
	}
	return printJSON(resp.Body())
}
