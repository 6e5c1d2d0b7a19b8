package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/re3/internal/logging"
)

// EndpointStatus describes an OpenAI-compatible endpoint.
type EndpointStatus struct {
	Running     bool     `json:"running"`
	LoadedModel string   `json:"loaded_model,omitempty"`
	Models      []string `json:"models,omitempty"`
	Message     string   `json:"message"`
}

// Ready reports whether the endpoint can serve requests.
func (s EndpointStatus) Ready() bool { return s.Running && s.LoadedModel != "" }

// CheckEndpoint queries GET {baseURL}/models.
func CheckEndpoint(ctx context.Context, client *http.Client, baseURL string) EndpointStatus {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return EndpointStatus{Message: fmt.Sprintf("bad endpoint %q: %v", baseURL, err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return EndpointStatus{Message: fmt.Sprintf("endpoint not reachable: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return EndpointStatus{Message: fmt.Sprintf("GET %s: HTTP %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return EndpointStatus{Running: true, Message: fmt.Sprintf("decode model list: %v", err)}
	}
	st := EndpointStatus{Running: true}
	for _, m := range list.Data {
		st.Models = append(st.Models, m.ID)
	}
	if len(st.Models) == 0 {
		st.Message = "endpoint running but no model loaded"
		return st
	}
	st.LoadedModel = st.Models[0]
	st.Message = "OK: " + st.LoadedModel + " loaded"
	return st
}

// Options selects and configures a backend.
type Options struct {
	Prefer        string // auto, direct, gateway
	BaseURL       string
	APIKey        string
	Model         string // empty uses the model the endpoint reports as loaded
	GatewayScript string
	Shell         string
	TempDir       string
	ProbeTimeout  time.Duration
	Retries       int           // extra attempts per direct request
	RetryPause    time.Duration // first pause between attempts, default 2s
	HTTPClient    *http.Client
}

// ProbeResult records what the capability probe found.
type ProbeResult struct {
	Direct         EndpointStatus `json:"direct"`
	GatewayReady   bool           `json:"gateway_ready"`
	GatewayMessage string         `json:"gateway_message"`
	Selected       string         `json:"selected,omitempty"`
}

// ErrNoBackend means neither backend is usable.
var ErrNoBackend = errors.New("no inference backend available")

// Probe checks both backends concurrently and picks one: the preferred
// backend when set, otherwise direct if ready, else gateway.
func Probe(ctx context.Context, opts Options) (ProbeResult, error) {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res ProbeResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Direct = CheckEndpoint(gctx, opts.HTTPClient, opts.BaseURL)
		return nil
	})
	g.Go(func() error {
		res.GatewayReady, res.GatewayMessage = checkGateway(opts.GatewayScript)
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	switch opts.Prefer {
	case "direct":
		if !res.Direct.Ready() {
			return res, fmt.Errorf("%w: direct: %s", ErrNoBackend, res.Direct.Message)
		}
		res.Selected = "direct"
	case "gateway":
		if !res.GatewayReady {
			return res, fmt.Errorf("%w: gateway: %s", ErrNoBackend, res.GatewayMessage)
		}
		res.Selected = "gateway"
	default:
		switch {
		case res.Direct.Ready():
			res.Selected = "direct"
		case res.GatewayReady:
			res.Selected = "gateway"
		default:
			return res, fmt.Errorf("%w: direct: %s; gateway: %s", ErrNoBackend, res.Direct.Message, res.GatewayMessage)
		}
	}
	return res, nil
}

func checkGateway(script string) (bool, string) {
	if script == "" {
		return false, "no gateway script configured"
	}
	fi, err := os.Stat(script)
	if err != nil {
		return false, fmt.Sprintf("gateway script: %v", err)
	}
	if fi.IsDir() {
		return false, fmt.Sprintf("gateway script %s is a directory", script)
	}
	return true, "OK: " + script
}

// Open probes, builds the usable backends into a Registry and returns the
// selected one.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Backend, ProbeResult, error) {
	res, err := Probe(ctx, opts)
	if err != nil {
		return nil, res, err
	}
	logger = logging.Component(logger, "inference")
	reg := NewRegistry(logger)

	if res.Direct.Ready() {
		model := opts.Model
		if model == "" {
			model = res.Direct.LoadedModel
		}
		chat, err := NewChatSender(ctx, ChatConfig{BaseURL: opts.BaseURL, APIKey: opts.APIKey, Model: model})
		if err != nil {
			return nil, res, err
		}
		var sender Sender = chat
		if opts.Retries > 0 {
			pause := opts.RetryPause
			if pause <= 0 {
				pause = 2 * time.Second
			}
			sender = NewRetrySender(chat, opts.Retries+1, pause, 5*pause, logger)
		}
		reg.Register(NewDirectBackend(sender))
	}
	if res.GatewayReady {
		reg.Register(NewGatewayBackend(GatewayConfig{Script: opts.GatewayScript, Shell: opts.Shell, TempDir: opts.TempDir}, logger))
	}

	b, err := reg.Get(res.Selected)
	if err != nil {
		return nil, res, err
	}
	logger.Info("inference backend selected", "backend", b.Name(), "direct", res.Direct.Message, "gateway", res.GatewayMessage)
	return b, res, nil
}
