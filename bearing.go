package main

import (
	"math"
)

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location is a named coordinate, the unit of play: the thing a player
// has to point their device toward.
type Location struct {
	Name        string     `json:"name"`
	Coordinates Coordinate `json:"coordinates"`
}

func degreesToRadians(degrees float64) float64 {
	return degrees * (math.Pi / 180)
}

func radiansToDegrees(radians float64) float64 {
	return radians * (180 / math.Pi)
}

// normalizeDegrees maps any finite angle onto [0,360). math.Mod keeps
// the sign of a negative operand, hence the double mod.
func normalizeDegrees(degrees float64) float64 {
	return math.Mod(math.Mod(degrees, 360)+360, 360)
}

// Bearing returns the initial great-circle bearing from one coordinate to
// another, in degrees clockwise from true north, normalized to [0,360).
func Bearing(from, to Coordinate) float64 {
	startLat := degreesToRadians(from.Latitude)
	startLng := degreesToRadians(from.Longitude)
	destLat := degreesToRadians(to.Latitude)
	destLng := degreesToRadians(to.Longitude)

	y := math.Sin(destLng-startLng) * math.Cos(destLat)
	x := math.Cos(startLat)*math.Sin(destLat) -
		math.Sin(startLat)*math.Cos(destLat)*math.Cos(destLng-startLng)

	return normalizeDegrees(radiansToDegrees(math.Atan2(y, x)))
}

// AngularDifference returns the smallest angle between two compass
// directions, in degrees [0,180].
func AngularDifference(a, b float64) float64 {
	diff := math.Abs(a - b)
	return math.Min(diff, 360-diff)
}

// ScoreFor converts an angular error into points. A perfect guess scores
// 360; pointing the exact opposite way still scores 180, so a round is
// never worth nothing.
func ScoreFor(angularDifference float64) int {
	points := 360 - int(math.Floor(angularDifference))
	if points < 0 {
		return 0
	}
	return points
}

const earthRadiusMeters = 6371000

// Haversine returns the great-circle distance between two coordinates
// in meters.
func Haversine(a, b Coordinate) float64 {
	latA := degreesToRadians(a.Latitude)
	latB := degreesToRadians(b.Latitude)
	dLat := degreesToRadians(b.Latitude - a.Latitude)
	dLng := degreesToRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// RoundResult is the outcome of scoring a single guess.
type RoundResult struct {
	TargetBearing float64 `json:"target_bearing"`
	GuessBearing  float64 `json:"guess_bearing"`
	AngularError  float64 `json:"angular_error"`
	Points        int     `json:"points"`
}

// validAngle reports whether a guess or heading is a usable compass
// angle. NaN and infinities fail both comparisons and are rejected here
// rather than normalized into a fake reading.
func validAngle(angle float64) bool {
	return angle >= 0 && angle < 360
}

// scoreGuess computes a RoundResult for a guess angle made from the
// player's own position toward the round target. Both the position and
// the angle must come from the guessing player's device, never from
// another member's. The guess is normalized onto [0,360) before scoring
// so AngularError stays within [0,180] and Points within [180,360].
func scoreGuess(position Coordinate, target Location, guess float64) RoundResult {
	guess = normalizeDegrees(guess)
	targetBearing := Bearing(position, target.Coordinates)
	diff := AngularDifference(guess, targetBearing)

	return RoundResult{
		TargetBearing: targetBearing,
		GuessBearing:  guess,
		AngularError:  diff,
		Points:        ScoreFor(diff),
	}
}
