package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type otpRequest struct {
	Phone string `json:"phone"`
}

type otpVerify struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Role         string `json:"role"`
	UserID       string `json:"userId"`
}

func loginCmd(a *app) *cobra.Command {
	var phone, code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a one-time code sent to your phone",
		Long: `Without --code a new code is requested. Run again with --code to
finish the login; the session is stored for later commands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if code == "" {
				var res struct {
					ExpiresAt time.Time `json:"expiresAt"`
				}
				if err := a.client.DoJSON(ctx, http.MethodPost, otpRequestPath, otpRequest{Phone: phone}, &res); err != nil {
					return describe(err)
				}
				fmt.Fprintf(a.out, "code sent, valid until %s\n", res.ExpiresAt.Local().Format(time.Kitchen))
				return nil
			}
			return a.finishLogin(ctx, phone, code)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format")
	cmd.Flags().StringVar(&code, "code", "", "one-time code from the SMS")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func (a *app) finishLogin(ctx context.Context, phone, code string) error {
	var res loginResponse
	if err := a.client.DoJSON(ctx, http.MethodPost, otpVerifyPath, otpVerify{Phone: phone, Code: code}, &res); err != nil {
		return describe(err)
	}
	if err := a.client.SetSession(res.AccessToken, res.RefreshToken); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	fmt.Fprintf(a.out, "logged in as %s (%s)\n", res.UserID, res.Role)
	return nil
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			refresh := a.client.RefreshToken()
			err := a.client.DoJSON(cmd.Context(), http.MethodPost, logoutPath, map[string]string{"refreshToken": refresh}, nil)
			if cErr := a.client.ClearSession(); cErr != nil {
				return cErr
			}
			if err != nil {
				fmt.Fprintf(a.errOut, "server logout failed: %v\n", describe(err))
			}
			fmt.Fprintln(a.out, "logged out")
			return nil
		},
	}
}
