package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/soporte-collab/informes-sub003/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("informes/fetcher")

// Caller is the slice of the upstream client the fetcher drives.
type Caller interface {
	Do(ctx context.Context, req upstream.Request, out any) error
	FormatTimestamp(t time.Time) string
}

type Options struct {
	SearchPath      string
	PageSize        int
	PageBase        int
	MaxPages        int
	ShortPageEnds   bool
	NodeConcurrency int
	Logger          *logrus.Logger
}

func OptionsFromSettings(s config.UpstreamSettings) Options {
	return Options{
		SearchPath:      s.SearchPath,
		PageSize:        s.PageSize,
		PageBase:        s.PageBase,
		MaxPages:        s.MaxPages,
		ShortPageEnds:   s.ShortPageEnds,
		NodeConcurrency: s.NodeConcurrency,
	}
}

// NodeStats describes one node's pagination.
type NodeStats struct {
	Node       string `json:"node"`
	Pages      int    `json:"pages"`
	Raw        int    `json:"raw"`
	Duplicates int    `json:"duplicates"`
	Missing    int    `json:"missingId"`
	Kept       int    `json:"kept"`
	Capped     bool   `json:"capped"`
}

type Stats struct {
	Nodes []NodeStats `json:"nodes"`
	Total int         `json:"total"`
}

type Fetcher struct {
	client Caller
	opts   Options
	logger *logrus.Logger
}

func New(client Caller, opts Options) *Fetcher {
	if opts.SearchPath == "" {
		opts.SearchPath = "/v1/transactions/search"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.NodeConcurrency <= 0 {
		opts.NodeConcurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Fetcher{client: client, opts: opts, logger: logger}
}

// FetchAll pulls every record in r for each node. Nodes run concurrently;
// pages within a node are sequential. Records come back grouped by node in
// the order nodes were given. An empty node list fetches without a node
// filter.
func (f *Fetcher) FetchAll(ctx context.Context, r DateRange, nodes []string) ([]RawRecord, Stats, error) {
	if err := r.Validate(); err != nil {
		return nil, Stats{}, err
	}
	nodes = utils.UniqueSlice(nodes)
	if len(nodes) == 0 {
		nodes = []string{""}
	}

	perNode := make([][]RawRecord, len(nodes))
	stats := make([]NodeStats, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.NodeConcurrency)
	for i, node := range nodes {
		g.Go(func() error {
			recs, st, err := f.fetchNode(gctx, r, node)
			if err != nil {
				return fmt.Errorf("fetch node %q: %w", node, err)
			}
			perNode[i] = recs
			stats[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{Nodes: stats}, err
	}

	out := make([]RawRecord, 0)
	for _, recs := range perNode {
		out = append(out, recs...)
	}
	return out, Stats{Nodes: stats, Total: len(out)}, nil
}

func (f *Fetcher) fetchNode(ctx context.Context, r DateRange, node string) ([]RawRecord, NodeStats, error) {
	ctx, span := tracer.Start(ctx, "fetcher.fetchNode")
	defer span.End()
	span.SetAttributes(attribute.String("fetcher.node", node))
	ctx = utils.SetNodeInContext(ctx, node)

	st := NodeStats{Node: node}
	seen := make(map[RecordID]struct{})
	var out []RawRecord

	from := f.client.FormatTimestamp(r.From)
	to := f.client.FormatTimestamp(r.To)

	for page := f.opts.PageBase; ; page++ {
		if st.Pages >= f.opts.MaxPages {
			st.Capped = true
			f.logger.WithFields(utils.LogFields(ctx, "fetcher")).
				WithField("pages", st.Pages).
				Warn("page cap reached, stopping pagination")
			break
		}

		var resp searchPage
		err := f.client.Do(ctx, upstream.Request{
			Method: http.MethodPost,
			Path:   f.opts.SearchPath,
			Body: searchRequest{
				DateFrom: from,
				DateTo:   to,
				Page:     page,
				PageSize: f.opts.PageSize,
				Node:     node,
			},
		}, &resp)
		if err != nil {
			return nil, st, err
		}
		st.Pages++

		items := resp.records()
		st.Raw += len(items)
		for _, raw := range items {
			var head recordHead
			if err := json.Unmarshal(raw, &head); err != nil || head.key().IsZero() {
				st.Missing++
				continue
			}
			id := head.key()
			if _, dup := seen[id]; dup {
				st.Duplicates++
				continue
			}
			seen[id] = struct{}{}
			out = append(out, RawRecord{ID: id, Node: node, Body: raw})
		}

		if len(items) == 0 {
			break
		}
		if f.opts.ShortPageEnds && len(items) < f.opts.PageSize {
			break
		}
	}

	st.Kept = len(out)
	f.logger.WithFields(utils.LogFields(ctx, "fetcher")).WithFields(logrus.Fields{
		"pages":      st.Pages,
		"raw":        st.Raw,
		"duplicates": st.Duplicates,
		"kept":       st.Kept,
	}).Info("node fetched")
	return out, st, nil
}
