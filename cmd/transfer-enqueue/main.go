package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/usdc-relay/cctp-orchestrator/internal/events"
	"github.com/usdc-relay/cctp-orchestrator/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	var requestFiles stringListFlag
	fs := flag.NewFlagSet("transfer-enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-tls", false, "dial kafka brokers over TLS")
	topic := fs.String("topic", "", "request topic (required)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall publish timeout")
	decimals := fs.Int("decimals", 6, "token decimals used to validate --amount-decimal")

	flow := fs.String("flow", "burn_mint", "burn_mint|router_deposit")
	amt := fs.String("amount", "", "amount in base units")
	amtDecimal := fs.String("amount-decimal", "", "amount in whole tokens, e.g. 12.5")
	sourceChain := fs.String("source-chain", "", "source network name")
	destinationChain := fs.String("destination-chain", "", "destination network name")
	recipient := fs.String("recipient", "", "recipient address on the destination chain")
	sourceToken := fs.String("source-token", "", "source token address; defaults to the route token")
	clientRef := fs.String("client-ref", "", "caller reference; makes the transfer ID deterministic")
	fs.Var(&requestFiles, "request-file", "file of JSON lines, one request per line (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}
	if *timeout <= 0 || *decimals < 0 {
		return errors.New("--timeout must be > 0 and --decimals must be >= 0")
	}

	var payloads [][]byte
	if *sourceChain != "" || *destinationChain != "" || *recipient != "" {
		b, err := json.Marshal(events.RequestV1{
			Version:          events.RequestVersion,
			Flow:             strings.TrimSpace(*flow),
			Amount:           strings.TrimSpace(*amt),
			AmountDecimal:    strings.TrimSpace(*amtDecimal),
			SourceChain:      strings.TrimSpace(*sourceChain),
			DestinationChain: strings.TrimSpace(*destinationChain),
			Recipient:        strings.TrimSpace(*recipient),
			SourceToken:      strings.TrimSpace(*sourceToken),
			ClientRef:        strings.TrimSpace(*clientRef),
		})
		if err != nil {
			return err
		}
		payloads = append(payloads, b)
	}
	for _, path := range requestFiles {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		payloads = append(payloads, lines...)
	}
	if len(payloads) == 0 {
		return errors.New("a request is required via --source-chain/--destination-chain/--recipient or --request-file")
	}

	// Validate everything before publishing anything.
	keys := make([][]byte, len(payloads))
	for i, p := range payloads {
		_, req, err := events.DecodeRequest(p, int32(*decimals))
		if err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		if req.SourceChain == "" || req.DestinationChain == "" {
			return fmt.Errorf("request %d: source and destination chains are required", i+1)
		}
		if req.ClientRef != "" {
			keys[i] = []byte(req.ClientRef)
		}
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	for i, p := range payloads {
		if err := producer.Publish(ctx, queue.Record{Topic: *topic, Key: keys[i], Value: p}); err != nil {
			return fmt.Errorf("publish request %d: %w", i+1, err)
		}
	}
	return nil
}

// readLines returns the non-blank lines of path.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read request file %q: %w", path, err)
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read request file %q: %w", path, err)
	}
	return out, nil
}
