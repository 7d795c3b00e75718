// Command signal-sender posts sample provider notifications to a running
// engine's webhook, and mints operator tokens for the risk endpoint.
//
//	signal-sender send -asset EUR/USD -direction BUY -in 2m
//	signal-sender token -secret $ADMIN_JWT_SECRET
//	signal-sender seal -key $SECRETS_KEY 'value'
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/pkg/logger"
	"signal-core/pkg/secrets"
)

const notificationTemplate = `
%s OTC
🕘 Expiration %dM
⏺ Entry at %s
%s %s
signal_provider="%s"
timezone="%s"
`

type notification struct {
	Asset     string
	Direction string
	Entry     string // H:MM in the provider's zone
	Provider  string
	Timezone  string
	Expiry    int // minutes
}

func (n notification) render() string {
	emoji := "🟩"
	if strings.EqualFold(n.Direction, "sell") || strings.EqualFold(n.Direction, "put") {
		emoji = "🟥"
	}
	return fmt.Sprintf(notificationTemplate, n.Asset, n.Expiry, n.Entry, emoji, strings.ToUpper(n.Direction), n.Provider, n.Timezone)
}

// entryClock formats now+in, rounded up to the minute, in the provider zone.
func entryClock(now time.Time, in time.Duration, tz string) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", err
	}
	at := now.Add(in).In(loc)
	if at.Second() > 0 || at.Nanosecond() > 0 {
		at = at.Truncate(time.Minute).Add(time.Minute)
	}
	return fmt.Sprintf("%d:%02d", at.Hour(), at.Minute()), nil
}

func main() {
	log, err := logger.New("signal-sender", "info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "send":
		err = send(log, os.Args[2:])
	case "token":
		err = token(os.Args[2:])
	case "seal":
		err = seal(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("signal-sender failed", zap.Error(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: signal-sender send|token|seal [flags]")
}

func send(log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8000/trade_signal", "webhook URL")
	asset := fs.String("asset", "EUR/USD", "asset pair")
	direction := fs.String("direction", "BUY", "BUY or SELL")
	provider := fs.String("provider", "john_doe", "signal provider")
	tz := fs.String("tz", "Etc/GMT+4", "provider timezone")
	in := fs.Duration("in", time.Minute, "entry time from now")
	count := fs.Int("count", 1, "signals to send, one timeframe apart")
	every := fs.Duration("every", 5*time.Minute, "spacing between entries when count > 1")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	now := time.Now()
	for i := 0; i < *count; i++ {
		entry, err := entryClock(now, *in+time.Duration(i)*(*every), *tz)
		if err != nil {
			return err
		}
		n := notification{
			Asset:     *asset,
			Direction: *direction,
			Entry:     entry,
			Provider:  *provider,
			Timezone:  *tz,
			Expiry:    int(every.Minutes()),
		}
		status, body, err := post(context.Background(), client, *url, n.render())
		if err != nil {
			return err
		}
		log.Info("signal sent", zap.String("entry", entry), zap.Int("status", status), zap.String("response", body))
	}
	return nil
}

func post(ctx context.Context, client *http.Client, url, text string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(text))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post signal: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("ADMIN_JWT_SECRET"), "signing secret")
	operator := fs.String("operator", "operator", "operator name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return fmt.Errorf("a signing secret is required")
	}
	tok, err := api.GenerateToken(*operator, *secret, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// seal prints value sealed for use in .env; without -key it prints a new key.
func seal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	key := fs.String("key", os.Getenv("SECRETS_KEY"), "base64 secrets key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		k, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(k)
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("seal takes exactly one value")
	}
	box, err := secrets.NewBoxBase64(*key)
	if err != nil {
		return err
	}
	sealed, err := box.Seal(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
