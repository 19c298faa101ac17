// Package distance computes ZCTA-to-ZCTA distances with the NBER
// precomputed table as the fast path and Haversine over centroids as the
// fallback, detecting discrepancies between the two.
package distance

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/geo"
)

// EarthRadiusMiles is the radius used by the Haversine formula.
const EarthRadiusMiles = 3959.0

// discrepancyThresholdMiles triggers preferring Haversine over NBER.
const discrepancyThresholdMiles = 1.0

// Method names reported in results.
const (
	MethodSelf      = "self"
	MethodNBER      = "nber"
	MethodHaversine = "haversine"
)

// Result describes one distance computation.
type Result struct {
	DistanceMiles       float64  `json:"distance_miles"`
	MethodUsed          string   `json:"method_used"`
	NBERAvailable       bool     `json:"nber_available"`
	HaversineAvailable  bool     `json:"haversine_available"`
	NBERDistance        *float64 `json:"nber_distance,omitempty"`
	HaversineDistance   *float64 `json:"haversine_distance,omitempty"`
	DiscrepancyDetected bool     `json:"discrepancy_detected"`
	DiscrepancyMiles    *float64 `json:"discrepancy_miles,omitempty"`
}

// Computable reports whether any method produced a distance.
func (r Result) Computable() bool {
	return r.MethodUsed != ""
}

type coord struct {
	lat, lon float64
	ok       bool
}

// Engine computes distances with process-local read-mostly caches. The
// caches live for the duration of a batch; they are owned by the engine
// instance, never global.
type Engine struct {
	store  *geo.Store
	log    *zap.Logger
	pairs  *lru.Cache[[2]string, *float64]
	coords *lru.Cache[string, coord]
}

// New creates an Engine over a geography store.
func New(store *geo.Store, log *zap.Logger) (*Engine, error) {
	pairs, err := lru.New[[2]string, *float64](65536)
	if err != nil {
		return nil, err
	}
	coords, err := lru.New[string, coord](32768)
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, log: log.Named("distance"), pairs: pairs, coords: coords}, nil
}

// Calculate computes the distance between two ZCTAs. NBER is preferred
// when available unless it disagrees with Haversine by more than one
// mile, in which case Haversine wins and the discrepancy is flagged.
func (e *Engine) Calculate(zctaA, zctaB string, useNBER bool) (Result, error) {
	if zctaA == zctaB {
		return Result{
			DistanceMiles:      0.0,
			MethodUsed:         MethodSelf,
			HaversineAvailable: true,
		}, nil
	}

	var nberDist *float64
	if useNBER {
		d, err := e.nberDistance(zctaA, zctaB)
		if err != nil {
			return Result{}, err
		}
		nberDist = d
	}

	havDist, err := e.haversine(zctaA, zctaB)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		NBERAvailable:      nberDist != nil,
		HaversineAvailable: havDist != nil,
		NBERDistance:       nberDist,
		HaversineDistance:  havDist,
	}

	if nberDist != nil && havDist != nil {
		diff := math.Abs(*nberDist - *havDist)
		if diff > discrepancyThresholdMiles {
			result.DiscrepancyDetected = true
			result.DiscrepancyMiles = &diff
			e.log.Warn("NBER-Haversine discrepancy",
				zap.String("zcta_a", zctaA), zap.String("zcta_b", zctaB),
				zap.Float64("nber", *nberDist), zap.Float64("haversine", *havDist))
		} else {
			result.DiscrepancyMiles = &diff
		}
	}

	switch {
	case nberDist != nil && !result.DiscrepancyDetected:
		result.DistanceMiles = *nberDist
		result.MethodUsed = MethodNBER
	case havDist != nil:
		result.DistanceMiles = *havDist
		result.MethodUsed = MethodHaversine
	}
	return result, nil
}

// Batch computes one-to-many distances.
func (e *Engine) Batch(source string, targets []string, useNBER bool) (map[string]Result, error) {
	out := make(map[string]Result, len(targets))
	for _, target := range targets {
		r, err := e.Calculate(source, target, useNBER)
		if err != nil {
			return nil, err
		}
		out[target] = r
	}
	return out, nil
}

// ClearCache drops the pair and centroid caches.
func (e *Engine) ClearCache() {
	e.pairs.Purge()
	e.coords.Purge()
}

func (e *Engine) nberDistance(zctaA, zctaB string) (*float64, error) {
	key := [2]string{zctaA, zctaB}
	if zctaB < zctaA {
		key = [2]string{zctaB, zctaA}
	}
	if d, ok := e.pairs.Get(key); ok {
		return d, nil
	}
	miles, found, err := e.store.NBERDistance(zctaA, zctaB)
	if err != nil {
		return nil, err
	}
	var d *float64
	if found {
		d = &miles
	}
	e.pairs.Add(key, d)
	return d, nil
}

func (e *Engine) haversine(zctaA, zctaB string) (*float64, error) {
	a, err := e.centroid(zctaA)
	if err != nil {
		return nil, err
	}
	b, err := e.centroid(zctaB)
	if err != nil {
		return nil, err
	}
	if !a.ok || !b.ok {
		return nil, nil
	}
	d := Haversine(a.lat, a.lon, b.lat, b.lon)
	return &d, nil
}

func (e *Engine) centroid(zcta string) (coord, error) {
	if c, ok := e.coords.Get(zcta); ok {
		return c, nil
	}
	var c coord
	gaz, err := e.store.GazetteerCentroid(zcta)
	if err != nil {
		return c, err
	}
	if gaz != nil {
		c = coord{lat: gaz.Lat, lon: gaz.Lon, ok: true}
	} else {
		nber, err := e.store.NBERCentroid(zcta)
		if err != nil {
			return c, err
		}
		if nber != nil {
			e.log.Warn("using NBER fallback centroid", zap.String("zcta", zcta))
			c = coord{lat: nber.Lat, lon: nber.Lon, ok: true}
		}
	}
	e.coords.Add(zcta, c)
	return c, nil
}

// Haversine returns the great-circle distance in miles between two
// points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * math.Pi / 180
	lon1r := lon1 * math.Pi / 180
	lat2r := lat2 * math.Pi / 180
	lon2r := lon2 * math.Pi / 180

	dlat := lat2r - lat1r
	dlon := lon2r - lon1r

	a := math.Pow(math.Sin(dlat/2), 2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Pow(math.Sin(dlon/2), 2)
	return EarthRadiusMiles * 2 * math.Asin(math.Sqrt(a))
}
