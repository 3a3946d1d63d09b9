package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultSocket is the Docker Engine unix socket path.
const DefaultSocket = "/var/run/docker.sock"

// apiVersion is the minimum Engine API version the client speaks.
const apiVersion = "v1.41"

// Engine talks to a Docker-compatible daemon over its HTTP API.
type Engine struct {
	client *http.Client
	base   string
}

// NewEngine creates a client for the daemon at the given unix socket path.
// An empty path uses the default socket.
func NewEngine(socket string) *Engine {
	if socket == "" {
		socket = DefaultSocket
	}
	return &Engine{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
			// Build and push streams are long-lived; no client timeout.
		},
		base: "http://docker/" + apiVersion,
	}
}

// NewEngineWithBase creates a client against an explicit HTTP base URL.
// Used by tests and TCP-exposed daemons.
func NewEngineWithBase(base string, client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{client: client, base: strings.TrimSuffix(base, "/")}
}

// Ping identifies the daemon.
func (e *Engine) Ping(ctx context.Context) (Info, error) {
	var body struct {
		Platform struct {
			Name string `json:"Name"`
		} `json:"Platform"`
		Arch       string `json:"Arch"`
		APIVersion string `json:"ApiVersion"`
	}
	if err := e.getJSON(ctx, "/version", &body); err != nil {
		return Info{}, fmt.Errorf("pinging daemon: %w", err)
	}
	return Info{Name: body.Platform.Name, Arch: body.Arch, APIVersion: body.APIVersion}, nil
}

// Build streams a tar context to POST /build and decodes the progress stream.
func (e *Engine) Build(ctx context.Context, opts BuildOptions, buildContext io.Reader, onMessage func(Message)) error {
	q := url.Values{}
	if opts.Tag != "" {
		q.Set("t", opts.Tag)
	}
	if opts.Dockerfile != "" {
		q.Set("dockerfile", opts.Dockerfile)
	}
	if opts.NoCache {
		q.Set("nocache", "1")
	}
	if opts.Pull {
		q.Set("pull", "1")
	}
	if len(opts.BuildArgs) > 0 {
		args, err := json.Marshal(opts.BuildArgs)
		if err != nil {
			return fmt.Errorf("encoding build args: %w", err)
		}
		q.Set("buildargs", string(args))
	}
	if len(opts.Labels) > 0 {
		labels, err := json.Marshal(opts.Labels)
		if err != nil {
			return fmt.Errorf("encoding labels: %w", err)
		}
		q.Set("labels", string(labels))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/build?"+q.Encode(), buildContext)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-tar")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError("build", resp)
	}
	return consumeStream(resp.Body, onMessage)
}

// Pull fetches an image via POST /images/create.
func (e *Engine) Pull(ctx context.Context, ref string, auth Auth, onMessage func(Message)) error {
	image, tag := splitRef(ref)
	q := url.Values{"fromImage": {image}, "tag": {tag}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/images/create?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Registry-Auth", auth.Encode())

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError("pull "+ref, resp)
	}
	return consumeStream(resp.Body, onMessage)
}

// Inspect returns image size and ID.
func (e *Engine) Inspect(ctx context.Context, ref string) (ImageInfo, error) {
	var body struct {
		ID   string `json:"Id"`
		Size int64  `json:"Size"`
	}
	if err := e.getJSON(ctx, "/images/"+url.PathEscape(ref)+"/json", &body); err != nil {
		return ImageInfo{}, fmt.Errorf("inspecting %s: %w", ref, err)
	}
	return ImageInfo{ID: body.ID, Size: body.Size}, nil
}

// Tag adds target as a new reference to source.
func (e *Engine) Tag(ctx context.Context, source, target string) error {
	repo, tag := splitRef(target)
	q := url.Values{"repo": {repo}, "tag": {tag}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+"/images/"+url.PathEscape(source)+"/tag?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("tagging %s as %s: %w", source, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError("tag "+target, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// RemoveTag deletes one local reference.
func (e *Engine) RemoveTag(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		e.base+"/images/"+url.PathEscape(ref)+"?noprune=1", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("untagging %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError("untag "+ref, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// digestRe extracts the content digest from the final push status line.
var digestRe = regexp.MustCompile(`digest:\s*(sha256:[0-9a-f]+)`)

// Push uploads a tagged image and returns the registry-reported digest.
func (e *Engine) Push(ctx context.Context, ref string, auth Auth, onMessage func(Message)) (string, error) {
	repo, tag := splitRef(ref)
	q := url.Values{"tag": {tag}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+"/images/"+url.PathEscape(repo)+"/push?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Registry-Auth", auth.Encode())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pushing %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiError("push "+ref, resp)
	}

	var digest string
	err = consumeStream(resp.Body, func(msg Message) {
		if m := digestRe.FindStringSubmatch(msg.Status); m != nil {
			digest = m[1]
		}
		if digest == "" && len(msg.Aux) > 0 {
			var aux struct {
				Digest string `json:"Digest"`
			}
			if json.Unmarshal(msg.Aux, &aux) == nil && aux.Digest != "" {
				digest = aux.Digest
			}
		}
		if onMessage != nil {
			onMessage(msg)
		}
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// consumeStream decodes a JSON message stream, forwarding each message and
// surfacing daemon-reported errors.
func consumeStream(r io.Reader, onMessage func(Message)) error {
	dec := json.NewDecoder(r)
	for {
		var msg Message
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("decoding daemon stream: %w", err)
		}
		if onMessage != nil {
			onMessage(msg)
		}
		if msg.Error != "" {
			return fmt.Errorf("daemon: %s", msg.Error)
		}
	}
}

func (e *Engine) getJSON(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("%s: %s", op, msg.Message)
	}
	return fmt.Errorf("%s: %d %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

// splitRef separates an image reference into repository and tag, defaulting
// the tag to "latest". A colon inside the last path component is the tag
// separator; colons in the registry host port are left alone.
func splitRef(ref string) (repo, tag string) {
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

// WaitReady polls the daemon until it responds or the deadline passes,
// returning its identity. Covers daemons still starting up when the pipeline
// connects.
func (e *Engine) WaitReady(ctx context.Context, timeout time.Duration) (Info, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := e.Ping(ctx)
		if err == nil {
			return info, nil
		}
		if time.Now().After(deadline) {
			return Info{}, fmt.Errorf("daemon not ready after %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
