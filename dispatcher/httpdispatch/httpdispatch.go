// Package httpdispatch delivers protocol messages as JSON POSTs to the
// counter-party's protocol endpoint.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/lib/retry"
	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/statemachine"
)

var log = logging.Logger("httpdispatch")

// Protocol is the default protocol name served by this dispatcher.
const Protocol = "dataspace-protocol-http"

const maxErrorBody = 4 << 10

// TransportError is a delivery failure worth retrying: the request did not
// reach the counter-party, or it answered with a temporary status.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("counter-party answered %d: %s", e.Status, e.Err)
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a final refusal by the counter-party.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("counter-party rejected message with %d: %s", e.Status, e.Body)
}

type Options struct {
	Protocol string

	// Timeout bounds every single request.
	Timeout time.Duration

	// RatePerSecond limits outgoing requests; 0 disables limiting.
	RatePerSecond float64

	// Attempts is how often a transport error is tried inline.
	Attempts int

	// RetryWait is the first wait between inline attempts.
	RetryWait time.Duration

	Client *http.Client

	// AuthToken is sent as bearer token when set.
	AuthToken string
}

// OptionsFromConfig maps the dispatch section of the node config.
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		Timeout:       time.Duration(cfg.RequestTimeout),
		RatePerSecond: cfg.RatePerSecond,
		Attempts:      cfg.Attempts,
		AuthToken:     cfg.AuthToken,
	}
}

type Dispatcher struct {
	opts    Options
	limiter *rate.Limiter
}

var _ dispatcher.RemoteMessageDispatcher = (*Dispatcher)(nil)

func New(opts Options) *Dispatcher {
	if opts.Protocol == "" {
		opts.Protocol = Protocol
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 200 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Dispatcher{opts: opts, limiter: limiterFromRate(opts.RatePerSecond)}
}

func limiterFromRate(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (d *Dispatcher) Protocol() string {
	return d.opts.Protocol
}

// Dispatch delivers msg on its own goroutine. Inline retries only cover
// transport errors; the state machine retries whatever is left.
func (d *Dispatcher) Dispatch(ctx context.Context, msg dispatcher.Message) *promise.Promise[dispatcher.Result] {
	p := new(promise.Promise[dispatcher.Result])

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := make([]byte, 4092)
				sz := runtime.Stack(stack, false)
				log.Errorw("recovered from panic dispatching message", "type", msg.Type, "process", msg.ProcessID, "panic", r, "stack", string(stack[:sz]))
				p.Set(statemachine.FatalFailure[dispatcher.Response](xerrors.Errorf("dispatch panicked: %v", r)))
			}
		}()
		p.Set(d.deliver(ctx, msg))
	}()

	return p
}

func (d *Dispatcher) deliver(ctx context.Context, msg dispatcher.Message) dispatcher.Result {
	target, err := endpoint(msg)
	if err != nil {
		return statemachine.FatalFailure[dispatcher.Response](err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return statemachine.FatalFailure[dispatcher.Response](xerrors.Errorf("encoding %s: %w", msg.Type, err))
	}

	start := time.Now()
	resp, err := retry.Retry(ctx, d.opts.Attempts, d.opts.RetryWait, retry.OnTypes(&TransportError{}), func() (dispatcher.Response, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return dispatcher.Response{}, xerrors.Errorf("waiting for dispatch rate limiter: %w", err)
		}
		return d.post(ctx, target, body)
	})

	var rejected *RejectedError
	switch {
	case err == nil:
		log.Debugw("message delivered", "type", msg.Type, "process", msg.ProcessID, "target", target, "took", time.Since(start))
		return statemachine.Success(resp)
	case xerrors.As(err, &rejected):
		log.Warnw("message rejected", "type", msg.Type, "process", msg.ProcessID, "target", target, "status", rejected.Status)
		return statemachine.FatalFailure[dispatcher.Response](err)
	default:
		log.Infow("message delivery failed", "type", msg.Type, "process", msg.ProcessID, "target", target, "error", err)
		return statemachine.RetryableFailure[dispatcher.Response](err)
	}
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte) (dispatcher.Response, error) {
	var out dispatcher.Response

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return out, xerrors.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.AuthToken)
	}

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return out, &TransportError{Err: err}
	}
	defer resp.Body.Close() // nolint

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if temporary(resp.StatusCode) {
			return out, &TransportError{Status: resp.StatusCode, Err: xerrors.New(strings.TrimSpace(string(b)))}
		}
		return out, &RejectedError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, &TransportError{Err: xerrors.Errorf("reading response: %w", err)}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, &RejectedError{Status: resp.StatusCode, Body: fmt.Sprintf("undecodable response: %s", err)}
	}
	return out, nil
}

func temporary(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

var paths = map[dispatcher.MessageType]string{
	dispatcher.ContractRequest:                "negotiations/%srequest",
	dispatcher.ContractOffer:                  "negotiations/%soffers",
	dispatcher.ContractAgreement:              "negotiations/%sagreement",
	dispatcher.ContractAgreementVerification:  "negotiations/%sagreement/verification",
	dispatcher.ContractNegotiationEvent:       "negotiations/%sevents",
	dispatcher.ContractNegotiationTermination: "negotiations/%stermination",
	dispatcher.TransferRequest:                "transfers/%srequest",
	dispatcher.TransferStart:                  "transfers/%sstart",
	dispatcher.TransferSuspension:             "transfers/%ssuspension",
	dispatcher.TransferCompletion:             "transfers/%scompletion",
	dispatcher.TransferTermination:            "transfers/%stermination",
}

// endpoint is the URL msg is posted to. Messages opening a process have no
// correlation id yet and go to the collection itself.
func endpoint(msg dispatcher.Message) (string, error) {
	tmpl, ok := paths[msg.Type]
	if !ok {
		return "", xerrors.Errorf("unsupported message type %q", msg.Type)
	}
	if msg.CounterPartyAddress == "" {
		return "", xerrors.Errorf("%s for %s has no counter-party address", msg.Type, msg.ProcessID)
	}
	base, err := url.Parse(strings.TrimRight(msg.CounterPartyAddress, "/") + "/")
	if err != nil {
		return "", xerrors.Errorf("parsing counter-party address: %w", err)
	}

	seg := ""
	if msg.CorrelationID != "" {
		seg = url.PathEscape(msg.CorrelationID) + "/"
	}
	rel, err := url.Parse(fmt.Sprintf(tmpl, seg))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
