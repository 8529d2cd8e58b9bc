package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/onexay/forge/internal/types"
)

const (
	defaultAPI = "http://localhost:8080"
)

type refsResponse struct {
	DefaultBranch string      `json:"defaultBranch"`
	Refs          []types.Ref `json:"refs"`
}

// report is what the CLI prints about one repository.
type report struct {
	Repository types.Repository       `json:"repository" yaml:"repository"`
	Refs       []types.Ref            `json:"refs" yaml:"refs"`
	Transfers  []types.TransferRecord `json:"transfers,omitempty" yaml:"transfers,omitempty"`
}

func main() {
	api := flag.String("api", envDefault("FORGE_API", defaultAPI), "Base URL of the forge REST API")
	repo := flag.String("repo", "", "Repository slug, e.g. acme/widgets (required)")
	principal := flag.String("principal", envDefault("FORGE_PRINCIPAL", "admin-cli"), "Principal recorded for the requests")
	dumpJSON := flag.Bool("json", false, "Output JSON instead of table")
	dumpYAML := flag.Bool("yaml", false, "Output YAML instead of table")
	transfers := flag.Int("transfers", 0, "Also show the N most recent transfers")
	flag.Parse()

	if *repo == "" {
		fmt.Fprintln(os.Stderr, "--repo is required")
		os.Exit(1)
	}

	client := &apiClient{base: strings.TrimRight(*api, "/"), principal: *principal}
	query := url.Values{"name": {*repo}}

	var out report
	if err := client.get("/api/v1/repos", query, &out.Repository); err != nil {
		fail("repository query failed", err)
	}
	var refs refsResponse
	if err := client.get("/api/v1/refs", query, &refs); err != nil {
		fail("refs query failed", err)
	}
	out.Refs = refs.Refs
	if *transfers > 0 {
		q := url.Values{"name": {*repo}, "limit": {fmt.Sprint(*transfers)}}
		if err := client.get("/api/v1/transfers", q, &out.Transfers); err != nil {
			fail("transfers query failed", err)
		}
	}

	switch {
	case *dumpJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	case *dumpYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		_ = enc.Encode(out)
		_ = enc.Close()
	default:
		printTable(os.Stdout, out)
	}
}

func printTable(w io.Writer, out report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	r := out.Repository
	fmt.Fprintf(tw, "Repo\tVisibility\tDefault\tSize\tCreated\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Slug, r.Visibility, r.DefaultBranch,
		humanize.IBytes(uint64(max(r.SizeBytes, 0))), humanize.Time(r.CreatedAt))
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "Ref\tHash\n")
	for _, ref := range out.Refs {
		fmt.Fprintf(tw, "%s\t%s\n", ref.Name, ref.Hash)
	}

	if len(out.Transfers) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Push\tPrincipal\tOp\tState\tReason\tObjects\tStored\tWhen\n")
		for _, t := range out.Transfers {
			num := "-"
			if t.PushNumber > 0 {
				num = fmt.Sprint(t.PushNumber)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n", num, t.PrincipalID, t.Operation, t.State, t.Reason,
				t.Objects, humanize.IBytes(uint64(max(t.BytesStored, 0))), t.CreatedAt.Format(time.RFC3339))
		}
	}
	_ = tw.Flush()
}

type apiClient struct {
	base      string
	principal string
}

func (c *apiClient) get(path string, query url.Values, into any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Principal-ID", c.principal)
	req.Header.Set("X-Operation-Kind", string(types.OperationAdmin))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
