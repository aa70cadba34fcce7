// Package civ computes the Confidence-In-Visit score: a deterministic,
// auditable heuristic in [0,1] estimating how likely a check-in reflects
// genuine physical presence at a store.  It is a pure function of the
// session's location samples and the store's registered coordinates; it
// performs no I/O and keeps no state, so it can be replayed for audits.
package civ

import (
	"math"
	"sort"

	"github.com/looplocal/loyalty/internal/model"
)

// NeutralPrior is the score assigned when no location evidence exists.
// Grants issued without a completed session keep this value.
const NeutralPrior = 0.5

const (
	// earthRadiusM is the mean earth radius used by the haversine formula.
	earthRadiusM = 6371000.0

	// accuracyCapM bounds how much a device-reported accuracy radius can
	// widen the geofence.  Readings claiming worse accuracy than this are
	// treated as this value for reach purposes and down-weighted.
	accuracyCapM = 150.0

	// falloffM is the distance beyond the effective reach over which a
	// sample's evidence decays from fully positive to fully negative.  A
	// sample half a kilometer past the fence argues against presence.
	falloffM = 500.0

	// noAccuracyWeight is the weight floor applied to samples that report
	// zero or negative accuracy.  They still count, just weakly; they can
	// never dominate well-reported samples.
	noAccuracyWeight = 0.2

	// priorWeight is the weight of a virtual neutral sample mixed into the
	// aggregate.  It keeps a single sample, however perfect, from pushing
	// the score far from the prior: corroboration is required for extreme
	// scores.
	priorWeight = 1.0
)

// Score converts a session's accumulated samples plus the store's known
// position into a CIV score in [0,1].  Samples are sorted by capture time
// before scoring; client-claimed order is never trusted.  With no samples
// the result is exactly NeutralPrior.
//
// Each sample contributes evidence in [-1,1]: fully positive inside the
// geofence widened by the sample's own accuracy radius, decaying to fully
// negative falloffM meters beyond it.  Contributions are weighted by
// recency (later samples weigh more) and by reported accuracy (vague or
// missing accuracy weighs less), then blended against a neutral virtual
// sample so the score approaches the extremes only with multiple
// corroborating readings.
func Score(samples []model.LocationSample, storeLat, storeLng, geofenceM float64) float64 {
	if len(samples) == 0 {
		return NeutralPrior
	}
	if geofenceM <= 0 {
		geofenceM = 50 // smallest storefront fence
	}

	ordered := make([]model.LocationSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CapturedAt.Before(ordered[j].CapturedAt)
	})

	n := len(ordered)
	var weighted, totalWeight float64
	for i, s := range ordered {
		d := HaversineM(s.Lat, s.Lng, storeLat, storeLng)
		weighted += sampleWeight(i, n, s.AccuracyM) * evidence(d, geofenceM, s.AccuracyM)
		totalWeight += sampleWeight(i, n, s.AccuracyM)
	}

	score := NeutralPrior + 0.5*(weighted/(totalWeight+priorWeight))
	return clamp01(score)
}

// evidence maps a sample's distance from the store to [-1,1].  The
// effective reach is the geofence plus the sample's own (capped) accuracy
// radius; anything inside is fully corroborating.
func evidence(distM, geofenceM, accuracyM float64) float64 {
	reach := geofenceM
	if accuracyM > 0 {
		reach += math.Min(accuracyM, accuracyCapM)
	}
	switch {
	case distM <= reach:
		return 1
	case distM >= reach+falloffM:
		return -1
	default:
		return 1 - 2*(distM-reach)/falloffM
	}
}

// sampleWeight combines recency and accuracy weighting.  Recency ramps from
// 0.5 for the earliest sample toward 1.0 for the latest, so readings near
// completion matter most.  Accuracy scales linearly down to the floor as
// the reported radius approaches the cap; missing accuracy gets the floor.
func sampleWeight(idx, n int, accuracyM float64) float64 {
	recency := 0.5 + 0.5*float64(idx+1)/float64(n)
	if accuracyM <= 0 {
		return recency * noAccuracyWeight
	}
	acc := 1 - accuracyM/accuracyCapM
	if acc < noAccuracyWeight {
		acc = noAccuracyWeight
	}
	return recency * acc
}

// HaversineM returns the great-circle distance in meters between two
// coordinate pairs given in degrees.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lng2 - lng1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
