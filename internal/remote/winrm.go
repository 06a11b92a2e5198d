package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
)

const (
	winrmSessionMaxAge = 5 * time.Minute
	// Scripts above this length take the temp-file path; cmd.exe caps a
	// command line at 8191 characters and UTF-16LE base64 doubles size.
	winrmInlineLimit = 2000
	winrmChunkSize   = 6000
)

// WinRM executes PowerShell on Windows targets over WinRM with NTLM
// auth. Sessions are cached per host and rebuilt after expiry or error.
type WinRM struct {
	mu       sync.Mutex
	sessions map[string]*winrmSession
}

type winrmSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

func NewWinRM() *WinRM {
	return &WinRM{sessions: make(map[string]*winrmSession)}
}

// Run executes a PowerShell script on the target and returns combined
// output. Non-zero exit or transport failure is an error; the session
// is dropped on transport failure so the next call reconnects.
func (w *WinRM) Run(ctx context.Context, t WindowsTarget, script string) (string, error) {
	client, err := w.session(t)
	if err != nil {
		return "", err
	}

	type result struct {
		out  string
		err  error
		code int
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if len(script) > winrmInlineLimit {
			r.out, r.code, r.err = w.runViaTempFile(client, script)
		} else {
			r.out, r.code, r.err = w.runInline(client, script)
		}
		done <- r
	}()

	select {
	case <-ctx.Done():
		w.invalidate(t.Host)
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			w.invalidate(t.Host)
			return r.out, r.err
		}
		if r.code != 0 {
			return r.out, fmt.Errorf("exit status %d", r.code)
		}
		return r.out, nil
	}
}

// CloseAll drops every cached session.
func (w *WinRM) CloseAll() {
	w.mu.Lock()
	w.sessions = make(map[string]*winrmSession)
	w.mu.Unlock()
}

func (w *WinRM) runInline(client *gowinrm.Client, script string) (string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive",
		"-EncodedCommand", encodePowerShell(script))
	if err != nil {
		return "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdout, stderr bytes.Buffer
	go io.Copy(&stdout, cmd.Stdout)
	go io.Copy(&stderr, cmd.Stderr)
	cmd.Wait()

	return combineOutput(stdout.String(), stderr.String()), cmd.ExitCode(), nil
}

// runViaTempFile ships the script through chunked base64 echo commands
// into a temp file, then decodes and runs it, cleaning up either way.
func (w *WinRM) runViaTempFile(client *gowinrm.Client, script string) (string, int, error) {
	tag := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\fleet_%s.b64`, tag)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\fleet_%s.ps1`, tag)

	shell, err := client.CreateShell()
	if err != nil {
		return "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	for i, chunk := range splitChunks(encoded, winrmChunkSize) {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmd, err := shell.Execute("cmd.exe", "/c", fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64))
		if err != nil {
			return "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		code := cmd.ExitCode()
		cmd.Close()
		if code != 0 {
			return "", -1, fmt.Errorf("write chunk %d: exit %d", i, code)
		}
	}

	runner := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive",
		"-EncodedCommand", encodePowerShell(runner))
	if err != nil {
		return "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	var stdout, stderr bytes.Buffer
	go io.Copy(&stdout, cmd.Stdout)
	go io.Copy(&stderr, cmd.Stderr)
	cmd.Wait()

	return combineOutput(stdout.String(), stderr.String()), cmd.ExitCode(), nil
}

func (w *WinRM) session(t WindowsTarget) (*gowinrm.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := strings.ToLower(t.Host)
	if s, ok := w.sessions[key]; ok && time.Since(s.createdAt) < winrmSessionMaxAge {
		return s.client, nil
	}

	port := t.Port
	if port == 0 {
		if t.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(t.Host, port, t.UseSSL, true, nil, nil, nil, 120*time.Second)

	// NTLM: Basic auth is disabled in domain environments.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, t.Username, t.Secret, params)
	if err != nil {
		return nil, fmt.Errorf("winrm client for %s: %w", t.Host, err)
	}

	w.sessions[key] = &winrmSession{client: client, createdAt: time.Now()}
	log.Printf("[winrm] session opened for %s:%d (ssl=%v)", t.Host, port, t.UseSSL)
	return client, nil
}

func (w *WinRM) invalidate(host string) {
	w.mu.Lock()
	delete(w.sessions, strings.ToLower(host))
	w.mu.Unlock()
}

// encodePowerShell produces the UTF-16LE base64 form -EncodedCommand
// expects.
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}
