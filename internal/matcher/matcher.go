package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidRadius = errors.New("radius must be positive")
	ErrInvalidLimit  = errors.New("limit must be positive")
)

const neutralReliability = 0.5

// Weights are the composite score coefficients.
type Weights struct {
	Distance    float64
	Rating      float64
	Reliability float64
}

var DefaultWeights = Weights{Distance: 0.5, Rating: 0.3, Reliability: 0.2}

// Offerer delivers an offer event to a candidate driver.
type Offerer interface {
	Notify(ctx context.Context, identity string, e dispatch.Event) (string, error)
}

type Service struct {
	Geo            geo.Index
	Drivers        storage.DriverDirectory
	Offers         Offerer        // optional
	ETA            *eta.Estimator // optional
	Weights        Weights
	PrefetchFactor int
	Log            *slog.Logger
}

// FindCandidates returns up to limit eligible drivers around pickup, best
// first. Backend failures degrade to an empty result; only bad input is an
// error.
func (s *Service) FindCandidates(ctx context.Context, pickup models.Coord, vehicleClass string, radiusKm float64, limit int) ([]models.MatchCandidate, error) {
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusKm)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	k := s.PrefetchFactor
	if k < 2 {
		k = 2
	}
	hits, err := s.Geo.Query(ctx, pickup.Lat, pickup.Lon, radiusKm, limit*k)
	if err != nil {
		observability.GeoQueryErrors.Inc()
		observability.MatchResults.WithLabelValues("degraded").Inc()
		s.Log.Warn("geo query failed", "degraded", true, "error", err)
		return []models.MatchCandidate{}, nil
	}
	if len(hits) == 0 {
		return s.empty(vehicleClass, radiusKm), nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.DriverID
	}
	drivers, err := s.Drivers.GetDrivers(ctx, ids)
	if err != nil {
		observability.MatchResults.WithLabelValues("degraded").Inc()
		s.Log.Warn("driver directory lookup failed", "degraded", true, "error", err)
		return []models.MatchCandidate{}, nil
	}

	w := s.weights()
	out := make([]models.MatchCandidate, 0, len(hits))
	for _, h := range hits {
		d, ok := drivers[h.DriverID]
		if !ok || !d.Eligible() || !classMatches(d.VehicleClass, vehicleClass) {
			continue
		}
		c := Score(h.DistanceKm, radiusKm, d, w)
		if s.ETA != nil {
			c.ETASeconds = s.ETA.Estimate(ctx, models.Coord{Lat: h.Lat, Lon: h.Lon}, pickup)
		} else {
			c.ETASeconds = eta.FromDistance(h.DistanceKm, 0)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return s.empty(vehicleClass, radiusKm), nil
	}

	Rank(out)
	if len(out) > limit {
		out = out[:limit]
	}
	observability.MatchResults.WithLabelValues("found").Inc()
	return out, nil
}

func (s *Service) empty(vehicleClass string, radiusKm float64) []models.MatchCandidate {
	observability.MatchResults.WithLabelValues("empty").Inc()
	s.Log.Info("no drivers found", "reason", "no_candidates", "vehicle_class", vehicleClass, "radius_km", radiusKm)
	return []models.MatchCandidate{}
}

func (s *Service) weights() Weights {
	if s.Weights == (Weights{}) {
		return DefaultWeights
	}
	return s.Weights
}

// an empty requested class accepts any vehicle
func classMatches(have, want string) bool {
	return want == "" || strings.EqualFold(have, want)
}

// Score computes the normalized components and composite score of a driver
// distanceKm away from the pickup.
func Score(distanceKm, radiusKm float64, d models.Driver, w Weights) models.MatchCandidate {
	distance := clamp01(1 - distanceKm/radiusKm)
	rating := clamp01(d.AvgRating / 5)
	reliability := neutralReliability
	if d.TotalTrips > 0 {
		reliability = clamp01(float64(d.CompletedTrips) / float64(d.TotalTrips))
	}
	return models.MatchCandidate{
		DriverID:         d.ID,
		DistanceKm:       distanceKm,
		RatingScore:      rating,
		ReliabilityScore: reliability,
		Score:            w.Distance*distance + w.Rating*rating + w.Reliability*reliability,
	}
}

// Rank orders candidates by score descending, then distance ascending.
func Rank(cs []models.MatchCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		return cs[i].DriverID < cs[j].DriverID
	})
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RequestMatch finds candidates for a trip and pushes a ride_requested offer
// to each. Offer delivery is best-effort.
func (s *Service) RequestMatch(ctx context.Context, tripID string, pickup models.Coord, vehicleClass string, radiusKm float64, limit int) ([]models.MatchCandidate, error) {
	cands, err := s.FindCandidates(ctx, pickup, vehicleClass, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	observability.MatchesTotal.Inc()
	if s.Offers == nil {
		return cands, nil
	}
	for _, c := range cands {
		offer := dispatch.NewEvent(dispatch.EventRideRequested, map[string]any{
			"trip_id":       tripID,
			"pickup":        pickup,
			"vehicle_class": vehicleClass,
			"distance_km":   c.DistanceKm,
			"eta_seconds":   c.ETASeconds,
			"score":         c.Score,
		}).WithMeta("trip_id", tripID)
		channel, err := s.Offers.Notify(ctx, c.DriverID, offer)
		if err != nil {
			s.Log.Info("offer not delivered", "trip_id", tripID, "driver_id", c.DriverID, "error", err)
			continue
		}
		s.Log.Debug("offer sent", "trip_id", tripID, "driver_id", c.DriverID, "channel", channel)
	}
	return cands, nil
}
