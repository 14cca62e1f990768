package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oauthx"
	"github.com/bionicotaku/lingo-utils-oauthx/internal/appconfig"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Authorize a single access token and print its claims",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("token", "t", "", "access token (default $OAUTHX_TOKEN)")
	validateCmd.Flags().Duration("timeout", 10*time.Second, "overall timeout")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("OAUTHX_TOKEN")
	}
	if token == "" {
		return errors.New("a token is required (--token or OAUTHX_TOKEN)")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	principal, err := a.authorizer.AuthorizeToken(ctx, token)
	if err == nil {
		err = principal.Enforce(cfg.RequiredScope)
	}
	if err != nil {
		e := oauthx.AsError(err)
		red := color.New(color.FgRed, color.Bold).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d)\n", red("REJECTED"), e.Code, e.Status)
		if e.Detail != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  detail: %s\n", e.Detail)
		}
		logger.Debug("authorization failed", zap.Error(err))
		return e
	}
	printPrincipal(cmd, principal)
	return nil
}

func printPrincipal(cmd *cobra.Command, p *oauthx.ClaimsPrincipal) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintfFunc()

	fmt.Fprintf(out, "%s %s\n", green("AUTHORIZED"), p.Subject())
	fmt.Fprintf(out, "%s %s\n", bold("scopes     :"), strings.Join(p.Scopes(), " "))
	fmt.Fprintf(out, "%s %s %s\n", bold("expires_at :"), p.Base.Expiry().Format(time.RFC3339),
		faint("(in %s)", time.Until(p.Base.Expiry()).Round(time.Second)))
	if !p.UserInfo.IsZero() {
		fmt.Fprintf(out, "%s %s %s <%s>\n", bold("user       :"), p.UserInfo.GivenName, p.UserInfo.FamilyName, p.UserInfo.Email)
	}
	switch custom := p.Custom.(type) {
	case oauthx.MapClaims:
		if len(custom) == 0 {
			return
		}
		fmt.Fprintln(out, bold("custom     :"))
		keys := make([]string, 0, len(custom))
		for k := range custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, custom[k])
		}
	case nil:
	default:
		fmt.Fprintf(out, "%s %+v\n", bold("custom     :"), custom)
	}
}
