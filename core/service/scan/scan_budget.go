// Package scan runs the chunked, budget-bounded scanning pipeline on
// top of the detect package and the mailbox drivers.
package scan

import (
	"scan_server/core/domain"
)

// Hard clamps shared by every mode.
const (
	minDaysBack, maxDaysBack           = 1, 3650
	minPageSize, maxPageSize           = 50, 500
	minChunkMs, maxChunkMs             = 8000, 45000
	minFullFetchCap, maxFullFetchCap   = 0, 120
	minConcurrency, maxConcurrency     = 2, 10
	minMaxPages, maxMaxPages           = 1, 400
	minMaxCandidates, maxMaxCandidates = 10, 400
	minMaxListIds, maxMaxListIds       = 300, 25000
	minClusterCap, maxClusterCap       = 10, 200
	minListMs, maxListMs               = 3000, 15000
	minMetaMs, maxMetaMs               = 3000, 15000
	minFullMs, maxFullMs               = 3000, 20000
	minAttachMs, maxAttachMs           = 3000, 20000
)

// Quick-mode ceilings keep a scan within an interactive SLO.
const (
	quickMaxDaysBack      = 120
	quickMaxPages         = 8
	quickMaxListIds       = 1200
	quickMaxFullFetchCap  = 20
	quickMaxMaxCandidates = 80
	quickMaxChunkMs       = 12000
)

// EnforceBudgets clamps session options through the SLO policy for the
// requested mode. Zero-valued fields take the mode defaults. Applied
// at session creation and again before every chunk.
func EnforceBudgets(opts domain.ScanOptions) domain.ScanOptions {
	mode := opts.Mode
	if mode != domain.ModeDeep {
		mode = domain.ModeQuick
	}
	out := opts
	out.Mode = mode

	if mode == domain.ModeQuick {
		out.DaysBack = clampDefault(opts.DaysBack, minDaysBack, quickMaxDaysBack, 90)
		out.MaxPages = clampDefault(opts.MaxPages, minMaxPages, quickMaxPages, quickMaxPages)
		out.MaxListIds = clampDefault(opts.MaxListIds, minMaxListIds, quickMaxListIds, quickMaxListIds)
		out.FullFetchCap = clampDefault(opts.FullFetchCap, minFullFetchCap, quickMaxFullFetchCap, quickMaxFullFetchCap)
		out.MaxCandidates = clampDefault(opts.MaxCandidates, minMaxCandidates, quickMaxMaxCandidates, quickMaxMaxCandidates)
		out.ChunkMs = clampDefault(opts.ChunkMs, minChunkMs, quickMaxChunkMs, 9000)
		out.QueryMode = domain.QueryTransactions
		out.IncludePromotions = false
	} else {
		out.DaysBack = clampDefault(opts.DaysBack, minDaysBack, maxDaysBack, 365)
		out.MaxPages = clampDefault(opts.MaxPages, minMaxPages, maxMaxPages, 50)
		out.MaxListIds = clampDefault(opts.MaxListIds, minMaxListIds, maxMaxListIds, 5000)
		out.FullFetchCap = clampDefault(opts.FullFetchCap, minFullFetchCap, maxFullFetchCap, 25)
		out.MaxCandidates = clampDefault(opts.MaxCandidates, minMaxCandidates, maxMaxCandidates, 200)
		out.ChunkMs = clampDefault(opts.ChunkMs, minChunkMs, maxChunkMs, 9000)
		if opts.QueryMode != domain.QueryBroad {
			out.QueryMode = domain.QueryTransactions
		}
	}

	out.PageSize = clampDefault(opts.PageSize, minPageSize, maxPageSize, 100)
	out.Concurrency = clampDefault(opts.Concurrency, minConcurrency, maxConcurrency, 6)
	out.ClusterCap = clampDefault(opts.ClusterCap, minClusterCap, maxClusterCap, 40)
	out.ListMs = clampDefault(opts.ListMs, minListMs, maxListMs, 9000)
	out.MetaMs = clampDefault(opts.MetaMs, minMetaMs, maxMetaMs, 8000)
	out.FullMs = clampDefault(opts.FullMs, minFullMs, maxFullMs, 12000)
	out.AttachMs = clampDefault(opts.AttachMs, minAttachMs, maxAttachMs, 12000)

	return out
}

func clampDefault(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
