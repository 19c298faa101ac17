// Package resolver implements the nearest-ZIP lookup: given a ZIP5 or
// ZIP9, find the nearest non-PO-Box ZIP5 within the same CMS state,
// with an optional structured trace persisted for every call.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/distance"
	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/geo"
)

// Flag thresholds in miles.
const (
	coincidentMiles  = 1.0
	farNeighborMiles = 10.0
)

// Request is the resolver input contract.
type Request struct {
	Zip            string  `json:"zip"`
	UseNBER        bool    `json:"use_nber"`
	MaxRadiusMiles float64 `json:"max_radius_miles"`
	IncludeTrace   bool    `json:"include_trace"`
}

// Result is the resolver output contract.
type Result struct {
	NearestZip    string  `json:"nearest_zip"`
	DistanceMiles float64 `json:"distance_miles"`
	InputZip      string  `json:"input_zip"`
	Trace         *Trace  `json:"trace,omitempty"`
}

// Trace records every decision of one resolver call. Immutable once
// persisted.
type Trace struct {
	TraceID string     `json:"trace_id"`
	Input   TraceInput `json:"input"`

	Normalization TraceNormalization `json:"normalization"`
	Centroid      TraceCentroid      `json:"starting_centroid"`
	Candidates    TraceCandidates    `json:"candidates"`
	DistCalc      TraceDistCalc      `json:"dist_calc"`
	Selection     TraceSelection     `json:"result"`
	Flags         TraceFlags         `json:"flags"`
	Asymmetry     *TraceAsymmetry    `json:"asymmetry,omitempty"`
}

type TraceInput struct {
	Zip  string `json:"zip"`
	Zip5 string `json:"zip5"`
	Zip9 string `json:"zip9,omitempty"`
}

type TraceNormalization struct {
	State        string   `json:"state"`
	Locality     string   `json:"locality"`
	Zip9Hit      bool     `json:"zip9_hit"`
	StartingZCTA string   `json:"starting_zcta"`
	ZCTAWeight   *float64 `json:"zcta_weight,omitempty"`
	Relationship string   `json:"relationship,omitempty"`
}

type TraceCentroid struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Source string  `json:"source"` // gazetteer or nber_fallback
}

type TraceCandidates struct {
	StateZipCount  int `json:"state_zip_count"`
	ExcludedPOBox  int `json:"excluded_pobox"`
	OutsideRadius  int `json:"outside_radius"`
	NoDistance     int `json:"no_distance"`
}

type TraceDistCalc struct {
	Engine        string `json:"engine"`
	NBERHits      int    `json:"nber_hits"`
	Fallbacks     int    `json:"fallbacks"`
	Discrepancies int    `json:"discrepancies"`
}

type TraceSelection struct {
	NearestZip    string  `json:"nearest_zip"`
	DistanceMiles float64 `json:"distance_miles"`
	MethodUsed    string  `json:"method_used"`
	ZCTA5         string  `json:"zcta5"`
}

type TraceFlags struct {
	Coincident  bool `json:"coincident"`
	FarNeighbor bool `json:"far_neighbor"`
}

type TraceAsymmetry struct {
	IsReciprocal      bool    `json:"is_reciprocal"`
	ReverseNearest    string  `json:"reverse_nearest,omitempty"`
	ReverseDistance   float64 `json:"reverse_distance,omitempty"`
	AsymmetryDetected bool    `json:"asymmetry_detected"`
	Error             string  `json:"error,omitempty"`
}

// Resolver resolves nearest ZIPs against the published geography tables.
type Resolver struct {
	geo    *geo.Store
	engine *distance.Engine
	log    *zap.Logger
}

// New creates a Resolver.
func New(store *geo.Store, engine *distance.Engine, log *zap.Logger) *Resolver {
	return &Resolver{geo: store, engine: engine, log: log.Named("resolver")}
}

const resolveOp = errors.Op("resolver.find_nearest_zip")

// FindNearestZip resolves the nearest non-PO-Box ZIP5 in the same state.
func (r *Resolver) FindNearestZip(req Request) (*Result, error) {
	if req.MaxRadiusMiles <= 0 {
		req.MaxRadiusMiles = 100
	}

	trace := &Trace{TraceID: uuid.NewString(), Input: TraceInput{Zip: req.Zip}}

	// Step 1: parse and normalize the input.
	zip5, zip9, err := ParseInput(req.Zip)
	if err != nil {
		return nil, err
	}
	trace.Input.Zip5 = zip5
	trace.Input.Zip9 = zip9

	// Step 2: state and locality, ZIP9 override first.
	if err := r.resolveState(zip5, zip9, trace); err != nil {
		return nil, err
	}

	// Step 3: starting ZCTA via the crosswalk.
	crosswalk, err := r.geo.StartingZCTA(zip5)
	if err != nil {
		return nil, errors.Wrap(resolveOp, err)
	}
	if crosswalk == nil {
		return nil, errors.E(resolveOp, errors.KindResolver, errors.CodeNoZCTA,
			fmt.Sprintf("no ZCTA mapping for ZIP %s", zip5))
	}
	trace.Normalization.StartingZCTA = crosswalk.ZCTA5
	trace.Normalization.ZCTAWeight = crosswalk.Weight
	trace.Normalization.Relationship = crosswalk.Relationship

	// Step 4: starting centroid, Gazetteer then NBER fallback.
	if err := r.resolveCentroid(crosswalk.ZCTA5, trace); err != nil {
		return nil, err
	}

	// Step 5: same-state non-PO-Box candidates.
	candidates, excludedPOBox, err := r.geo.CandidatesInState(trace.Normalization.State, zip5)
	if err != nil {
		return nil, errors.Wrap(resolveOp, err)
	}
	trace.Candidates.StateZipCount = len(candidates)
	trace.Candidates.ExcludedPOBox = excludedPOBox
	if len(candidates) == 0 {
		return nil, errors.E(resolveOp, errors.KindResolver, errors.CodeNoCandidatesInState,
			fmt.Sprintf("no candidates in state %s", trace.Normalization.State))
	}

	// Steps 6-7: distances, then tie-broken selection.
	selection, err := r.selectNearest(crosswalk.ZCTA5, candidates, req, trace)
	if err != nil {
		return nil, err
	}
	trace.Selection = *selection
	trace.Flags = TraceFlags{
		Coincident:  selection.DistanceMiles < coincidentMiles,
		FarNeighbor: selection.DistanceMiles > farNeighborMiles,
	}

	// Step 10: asymmetry audit, only when the caller wants the trace.
	if req.IncludeTrace {
		trace.Asymmetry = r.checkAsymmetry(req, zip5, selection.NearestZip)
	}

	// Step 9: persist the trace regardless of whether it is returned.
	r.persistTrace(req.Zip, zip5, zip9, selection, trace)

	result := &Result{
		NearestZip:    selection.NearestZip,
		DistanceMiles: selection.DistanceMiles,
		InputZip:      req.Zip,
	}
	if req.IncludeTrace {
		result.Trace = trace
	}
	return result, nil
}

// ParseInput strips non-digits and validates a ZIP5 or ZIP9.
func ParseInput(input string) (zip5, zip9 string, err error) {
	var digits strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	switch digits.Len() {
	case 5:
		return digits.String(), "", nil
	case 9:
		d := digits.String()
		return d[:5], d, nil
	}
	return "", "", errors.E(resolveOp, errors.KindInput, errors.CodeInvalidZip,
		fmt.Sprintf("invalid ZIP format: %q", input))
}

func (r *Resolver) resolveState(zip5, zip9 string, trace *Trace) error {
	if zip9 != "" {
		override, err := r.geo.Zip9Override(zip9)
		if err != nil {
			return errors.Wrap(resolveOp, err)
		}
		if override != nil {
			trace.Normalization.State = override.State
			trace.Normalization.Locality = override.Locality
			trace.Normalization.Zip9Hit = true
			return nil
		}
	}
	loc, err := r.geo.ZipLocality(zip5)
	if err != nil {
		return errors.Wrap(resolveOp, err)
	}
	if loc == nil {
		return errors.E(resolveOp, errors.KindResolver, errors.CodeNoState,
			fmt.Sprintf("no state/locality for ZIP %s", zip5))
	}
	trace.Normalization.State = loc.State
	trace.Normalization.Locality = loc.Locality
	return nil
}

func (r *Resolver) resolveCentroid(zcta string, trace *Trace) error {
	c, err := r.geo.GazetteerCentroid(zcta)
	if err != nil {
		return errors.Wrap(resolveOp, err)
	}
	if c == nil {
		c, err = r.geo.NBERCentroid(zcta)
		if err != nil {
			return errors.Wrap(resolveOp, err)
		}
		if c != nil {
			r.log.Warn("gazetteer centroid missing, using NBER fallback", zap.String("zcta", zcta))
		}
	}
	if c == nil {
		return errors.E(resolveOp, errors.KindResolver, errors.CodeNoCoords,
			fmt.Sprintf("no coordinates for ZCTA %s", zcta))
	}
	trace.Centroid = TraceCentroid{Lat: c.Lat, Lon: c.Lon, Source: c.Provenance}
	return nil
}

type scored struct {
	zip5       string
	zcta5      string
	miles      float64
	method     string
	population int64
}

func (r *Resolver) selectNearest(sourceZCTA string, candidates []geo.Candidate, req Request, trace *Trace) (*TraceSelection, error) {
	var ranked []scored
	for _, c := range candidates {
		res, err := r.engine.Calculate(sourceZCTA, c.ZCTA5, req.UseNBER)
		if err != nil {
			return nil, errors.Wrap(resolveOp, err)
		}
		if !res.Computable() {
			trace.Candidates.NoDistance++
			continue
		}
		if res.NBERAvailable {
			trace.DistCalc.NBERHits++
		} else {
			trace.DistCalc.Fallbacks++
		}
		if res.DiscrepancyDetected {
			trace.DistCalc.Discrepancies++
		}
		// A zero distance means the candidate shares the input's ZCTA;
		// discard it as self.
		if res.DistanceMiles == 0 {
			continue
		}
		if res.DistanceMiles > req.MaxRadiusMiles {
			trace.Candidates.OutsideRadius++
			continue
		}
		pop := int64(0)
		if c.Population != nil {
			pop = *c.Population
		}
		ranked = append(ranked, scored{
			zip5:       c.Zip5,
			zcta5:      c.ZCTA5,
			miles:      res.DistanceMiles,
			method:     res.MethodUsed,
			population: pop,
		})
	}
	trace.DistCalc.Engine = "nber|haversine"

	if len(ranked) == 0 {
		return nil, errors.E(resolveOp, errors.KindResolver, errors.CodeNoCandidatesInState,
			"no candidate within radius has a computable distance")
	}

	// Ascending distance, then ascending population (smaller wins),
	// then lexicographic ZIP5 as the deterministic final tiebreaker.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].miles != ranked[j].miles {
			return ranked[i].miles < ranked[j].miles
		}
		if ranked[i].population != ranked[j].population {
			return ranked[i].population < ranked[j].population
		}
		return ranked[i].zip5 < ranked[j].zip5
	})

	best := ranked[0]
	return &TraceSelection{
		NearestZip:    best.zip5,
		DistanceMiles: best.miles,
		MethodUsed:    best.method,
		ZCTA5:         best.zcta5,
	}, nil
}

// checkAsymmetry resolves from the chosen ZIP back toward the input's
// state and records whether the relation is reciprocal. The reverse
// lookup runs with the same engine and cannot leave the state.
func (r *Resolver) checkAsymmetry(req Request, inputZip5, resultZip string) *TraceAsymmetry {
	reverse, err := r.FindNearestZip(Request{
		Zip:            resultZip,
		UseNBER:        req.UseNBER,
		MaxRadiusMiles: req.MaxRadiusMiles,
	})
	if err != nil {
		r.log.Warn("asymmetry check failed",
			zap.String("input", inputZip5), zap.String("result", resultZip), zap.Error(err))
		return &TraceAsymmetry{Error: err.Error()}
	}
	reciprocal := reverse.NearestZip == inputZip5
	return &TraceAsymmetry{
		IsReciprocal:      reciprocal,
		ReverseNearest:    reverse.NearestZip,
		ReverseDistance:   reverse.DistanceMiles,
		AsymmetryDetected: !reciprocal,
	}
}

func (r *Resolver) persistTrace(inputZip, zip5, zip9 string, selection *TraceSelection, trace *Trace) {
	blob, err := json.Marshal(trace)
	if err != nil {
		r.log.Error("trace marshal failed", zap.Error(err))
		return
	}
	if err := r.geo.InsertTrace(trace.TraceID, inputZip, zip5, zip9,
		selection.NearestZip, selection.DistanceMiles, blob); err != nil {
		r.log.Error("trace persist failed", zap.String("trace_id", trace.TraceID), zap.Error(err))
	}
}
