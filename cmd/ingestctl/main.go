// Command ingestctl drives a running server's context-ingestion and search
// endpoints from the terminal.
//
// Exit codes: 0 success, 2 invalid URL or input, 3 duplicate source,
// 4 access denied, 5 document saved but retrieval indexing failed,
// 1 anything unexpected.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

const (
	exitOK           = 0
	exitUnexpected   = 1
	exitInvalidInput = 2
	exitConflict     = 3
	exitDenied       = 4
	exitDegraded     = 5
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type documentData struct {
	Document struct {
		ID        string `json:"id"`
		Filename  string `json:"filename"`
		URL       string `json:"url"`
		RAGStatus struct {
			Processed     bool   `json:"processed"`
			ChunksCreated int    `json:"chunksCreated"`
			Error         string `json:"error"`
		} `json:"ragStatus"`
	} `json:"document"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the running service")
	agent := flag.String("agent", "", "agent id (required)")
	flag.Parse()

	if *agent == "" || flag.NArg() < 1 {
		usage()
		os.Exit(exitInvalidInput)
	}

	cli := &client{base: strings.TrimRight(*server, "/"), agent: *agent, http: &http.Client{Timeout: 15 * time.Minute}}

	var code int
	switch cmd := flag.Arg(0); cmd {
	case "url":
		code = cli.ingestURL(flag.Arg(1))
	case "file":
		code = cli.uploadFile(flag.Arg(1))
	case "website":
		code = cli.ingestWebsite(flag.Arg(1))
	case "search":
		code = cli.search(strings.Join(flag.Args()[1:], " "))
	case "delete":
		code = cli.deleteDocument(flag.Arg(1))
	default:
		usage()
		code = exitInvalidInput
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ingestctl -agent <id> [-server <url>] <command>

commands:
  url <url>        ingest a single page
  file <path>      upload and ingest a file
  website <url>    crawl and ingest a website (streams progress)
  search <query>   search the agent's corpus
  delete <docId>   delete a document and its chunks`)
}

type client struct {
	base  string
	agent string
	http  *http.Client
}

func (c *client) endpoint(suffix string) string {
	return c.base + "/agents/" + c.agent + suffix
}

// exitCodeFor maps a response status onto the CLI exit code contract.
func exitCodeFor(status int) int {
	switch status {
	case http.StatusOK:
		return exitOK
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return exitInvalidInput
	case http.StatusConflict:
		return exitConflict
	case http.StatusForbidden:
		return exitDenied
	default:
		return exitUnexpected
	}
}

func (c *client) postJSON(url string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// reportDocument renders a persisted document and returns the exit code,
// distinguishing a fully indexed document from a degraded one.
func reportDocument(env envelope) int {
	var data documentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		pterm.Warning.Printfln("unexpected response shape: %v", err)
		return exitUnexpected
	}
	doc := data.Document
	if !doc.RAGStatus.Processed {
		pterm.Warning.Printfln("document %s saved, but indexing failed: %s", doc.ID, doc.RAGStatus.Error)
		return exitDegraded
	}
	pterm.Success.Printfln("document %s ingested (%d chunk(s))", doc.ID, doc.RAGStatus.ChunksCreated)
	return exitOK
}

func (c *client) ingestURL(rawURL string) int {
	if rawURL == "" {
		usage()
		return exitInvalidInput
	}
	resp, err := c.postJSON(c.endpoint("/context/url"), map[string]string{"url": rawURL})
	if err != nil {
		pterm.Error.Printfln("request failed: %v", err)
		return exitUnexpected
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return exitUnexpected
	}
	if resp.StatusCode != http.StatusOK {
		pterm.Error.Println(env.Message)
		return exitCodeFor(resp.StatusCode)
	}
	return reportDocument(env)
}

func (c *client) uploadFile(path string) int {
	if path == "" {
		usage()
		return exitInvalidInput
	}
	f, err := os.Open(path)
	if err != nil {
		pterm.Error.Printfln("open %s: %v", path, err)
		return exitInvalidInput
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return exitUnexpected
	}
	if _, err := io.Copy(part, f); err != nil {
		return exitUnexpected
	}
	if err := mw.Close(); err != nil {
		return exitUnexpected
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint("/context/upload"), &body)
	if err != nil {
		return exitUnexpected
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		pterm.Error.Printfln("request failed: %v", err)
		return exitUnexpected
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return exitUnexpected
	}
	if resp.StatusCode != http.StatusOK {
		pterm.Error.Println(env.Message)
		return exitCodeFor(resp.StatusCode)
	}
	return reportDocument(env)
}

// ingestWebsite streams the crawl's SSE frames, rendering progress as it
// arrives; the terminal frame decides the exit code.
func (c *client) ingestWebsite(rawURL string) int {
	if rawURL == "" {
		usage()
		return exitInvalidInput
	}
	resp, err := c.postJSON(c.endpoint("/context/website"), map[string]any{"url": rawURL})
	if err != nil {
		pterm.Error.Printfln("request failed: %v", err)
		return exitUnexpected
	}
	defer resp.Body.Close()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		env, err := decodeEnvelope(resp.Body)
		if err != nil {
			return exitUnexpected
		}
		pterm.Error.Println(env.Message)
		return exitCodeFor(resp.StatusCode)
	}

	spinner, _ := pterm.DefaultSpinner.Start("starting crawl")
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finalCode := exitUnexpected
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type        string `json:"type"`
			Phase       string `json:"phase"`
			Message     string `json:"message"`
			CurrentPage int    `json:"currentPage"`
			TotalPages  int    `json:"totalPages"`
			Percentage  int    `json:"percentage"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "complete":
			spinner.Success(ev.Message)
			finalCode = exitOK
		case "error":
			spinner.Fail(ev.Message)
			finalCode = exitUnexpected
		default:
			spinner.UpdateText(fmt.Sprintf("[%3d%%] %s (%d/%d)", ev.Percentage, ev.Message, ev.CurrentPage, ev.TotalPages))
		}
	}
	return finalCode
}

func (c *client) search(query string) int {
	if strings.TrimSpace(query) == "" {
		usage()
		return exitInvalidInput
	}
	resp, err := c.postJSON(c.endpoint("/rag/search"), map[string]any{"query": query, "limit": 5})
	if err != nil {
		pterm.Error.Printfln("request failed: %v", err)
		return exitUnexpected
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return exitUnexpected
	}
	if resp.StatusCode != http.StatusOK {
		pterm.Error.Println(env.Message)
		return exitCodeFor(resp.StatusCode)
	}

	var result struct {
		CollectionExists bool `json:"collectionExists"`
		Hits             []struct {
			Rank                int    `json:"rank"`
			RelevancePercentage int    `json:"relevancePercentage"`
			DocumentTitle       string `json:"documentTitle"`
			Text                string `json:"text"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return exitUnexpected
	}
	if len(result.Hits) == 0 {
		pterm.Info.Println("no results")
		return exitOK
	}
	for _, h := range result.Hits {
		text := h.Text
		if len(text) > 160 {
			text = text[:160] + "…"
		}
		pterm.Printfln("%2d. [%3d%%] %s — %s", h.Rank, h.RelevancePercentage, h.DocumentTitle, text)
	}
	return exitOK
}

func (c *client) deleteDocument(docID string) int {
	if docID == "" {
		usage()
		return exitInvalidInput
	}
	req, err := http.NewRequest(http.MethodDelete, c.endpoint("/context/"+docID), nil)
	if err != nil {
		return exitUnexpected
	}
	resp, err := c.http.Do(req)
	if err != nil {
		pterm.Error.Printfln("request failed: %v", err)
		return exitUnexpected
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		return exitUnexpected
	}
	if resp.StatusCode != http.StatusOK {
		pterm.Error.Println(env.Message)
		return exitCodeFor(resp.StatusCode)
	}
	pterm.Success.Println("document deleted")
	return exitOK
}

func decodeEnvelope(r io.Reader) (envelope, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		pterm.Error.Printfln("unreadable response: %v", err)
		return env, err
	}
	return env, nil
}
