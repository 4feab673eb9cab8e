package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/usdc-relay/cctp-orchestrator/internal/api"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var se *api.StatusError
		if errors.As(err, &se) && se.Body.Transfer != nil {
			_ = writeJSON(os.Stderr, se.Body)
		}
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("transfer-resume", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "bridge-orchestrator base URL")
	authEnv := fs.String("auth-env", "CCTP_API_AUTH_TOKEN", "env var containing bearer auth token")
	transferID := fs.String("transfer-id", "", "transfer to resume")
	srcChain := fs.String("source-chain", "", "source network name (with --burn-tx when the transfer id is unknown)")
	dstChain := fs.String("destination-chain", "", "destination network name (with --burn-tx when the transfer id is unknown)")
	burnTx := fs.String("burn-tx", "", "confirmed burn transaction hash")
	messageHash := fs.String("message-hash", "", "expected message hash; resume fails if the burn emitted a different one")
	resubmit := fs.Bool("resubmit-receive", false, "send a new receiveMessage instead of waiting on the one the last attempt recorded")
	statusOnly := fs.Bool("status", false, "print the transfer's current state instead of resuming")
	listStage := fs.String("list-stage", "", "print attempts at this stage instead of resuming")
	stranded := fs.Bool("stranded", false, "print unfinished transfers no orchestrator is driving instead of resuming")
	limit := fs.Int("limit", 100, "maximum transfers printed by --list-stage and --stranded")
	timeout := fs.Duration("timeout", 30*time.Minute, "overall request timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}
	if *stranded || strings.TrimSpace(*listStage) != "" {
		if *stranded && strings.TrimSpace(*listStage) != "" {
			return errors.New("--stranded and --list-stage are exclusive")
		}
		if *limit <= 0 || *limit > 1000 {
			return errors.New("--limit must be between 1 and 1000")
		}
		client, err := api.NewClient(*apiURL, getenv(*authEnv))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		var list api.TransferList
		if *stranded {
			list, err = client.Stranded(ctx, *limit)
		} else {
			list, err = client.List(ctx, strings.TrimSpace(*listStage), *limit)
		}
		if err != nil {
			return err
		}
		return writeJSON(stdout, list)
	}

	id := strings.TrimSpace(*transferID)
	if *statusOnly && id == "" {
		return errors.New("--status requires --transfer-id")
	}
	if !*statusOnly && id == "" && strings.TrimSpace(*burnTx) == "" {
		return errors.New("--transfer-id or --burn-tx is required")
	}
	if id == "" && (strings.TrimSpace(*srcChain) == "" || strings.TrimSpace(*dstChain) == "") {
		return errors.New("--source-chain and --destination-chain are required without --transfer-id")
	}

	client, err := api.NewClient(*apiURL, getenv(*authEnv))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *statusOnly {
		v, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(stdout, v)
	}

	receipt, err := client.Resume(ctx, api.ResumeRequest{
		TransferID:       id,
		SourceChain:      strings.TrimSpace(*srcChain),
		DestinationChain: strings.TrimSpace(*dstChain),
		BurnTx:           strings.TrimSpace(*burnTx),
		MessageHash:      strings.TrimSpace(*messageHash),
		ResubmitReceive:  *resubmit,
	})
	if err != nil {
		return err
	}
	return writeJSON(stdout, receipt)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
