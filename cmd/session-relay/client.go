// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exhttp"
)

type apiFlags struct {
	url      string
	token    string
	instance string
}

type apiError struct {
	Status  int
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("relay API returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

var apiHTTPClient = exhttp.SensibleClientSettings.WithGlobalTimeout(30 * time.Second).Compile()

// call performs one API request and decodes the JSON response into out.
func (a *apiFlags) call(method, path string, body, out any) error {
	u, err := url.Parse(strings.TrimRight(a.url, "/") + path)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if a.instance != "" {
		q := u.Query()
		q.Set("instance", a.instance)
		u.RawQuery = q.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := apiHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]any
			if err := api.call(http.MethodGet, "/api/status", nil, &status); err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}

func qrCmd(api *apiFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Print the pending pairing code as a terminal QR code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(wait)
			for {
				var resp struct {
					QRCode    *string `json:"qrCode"`
					Connected bool    `json:"connected"`
				}
				if err := api.call(http.MethodGet, "/api/qr", nil, &resp); err != nil {
					return err
				}
				switch {
				case resp.Connected:
					fmt.Fprintln(cmd.OutOrStdout(), "Already connected")
					return nil
				case resp.QRCode != nil:
					code, err := qrcode.New(*resp.QRCode, qrcode.Medium)
					if err != nil {
						return fmt.Errorf("render qr code: %w", err)
					}
					fmt.Fprint(cmd.OutOrStdout(), code.ToSmallString(false))
					return nil
				case time.Now().After(deadline):
					return errors.New("no pairing code issued yet")
				}
				time.Sleep(time.Second)
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 20*time.Second, "how long to wait for a code to be issued")
	return cmd
}

func sendCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <to> <text>",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			err := api.call(http.MethodPost, "/api/send", map[string]string{"to": args[0], "text": args[1]}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp["messageId"])
			return nil
		},
	}
}

func sendImageCmd(api *apiFlags) *cobra.Command {
	var caption string
	cmd := &cobra.Command{
		Use:   "send-image <to> <image-url>",
		Short: "Send an image fetched from a URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			body := map[string]string{"to": args[0], "imageUrl": args[1], "caption": caption}
			if err := api.call(http.MethodPost, "/api/send-image", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp["messageId"])
			return nil
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "image caption")
	return cmd
}

func logoutCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log the session out and delete its credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.call(http.MethodPost, "/api/disconnect", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}
