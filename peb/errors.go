// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"errors"
	"fmt"
)

// ErrEmptyHierarchy is returned when an inversion is requested with no units.
var ErrEmptyHierarchy = errors.New("no units supplied")

// ParameterisationMismatchError means a unit does not have the same number of
// flattened parameters as the first unit of its hierarchy.
type ParameterisationMismatchError struct {
	Unit int    // index of the offending unit
	What string // which quantity disagreed, e.g. "prior mean"
	Want int
	Got  int
}

func (e *ParameterisationMismatchError) Error() string {
	return fmt.Sprintf("unit %d: %s has %d parameters, expected %d", e.Unit, e.What, e.Got, e.Want)
}

// NumericalInstabilityError is returned when a matrix stays non-positive-definite
// after diagonal regularization. Unit is -1 when no single unit is to blame.
type NumericalInstabilityError struct {
	Stage string
	Unit  int
	Err   error
}

func (e *NumericalInstabilityError) Error() string {
	if e.Unit >= 0 {
		return fmt.Sprintf("numerical instability in %s (unit %d): %v", e.Stage, e.Unit, e.Err)
	}
	return fmt.Sprintf("numerical instability in %s: %v", e.Stage, e.Err)
}

func (e *NumericalInstabilityError) Unwrap() error { return e.Err }

// NotFoundError is returned by a UnitSource when an identifier does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("unit %q not found", e.ID) }

// LoadError is returned by a UnitSource when a unit exists but cannot be read.
type LoadError struct {
	ID  string
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load unit %q: %v", e.ID, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// ConfigError reports an invalid second-level configuration option.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid second-level option %s: %s", e.Option, e.Reason)
}

// SelectionError reports a parameter selection that cannot be resolved.
type SelectionError struct {
	Field string
	Index int
	Err   error
}

func (e *SelectionError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("select field %q: %v", e.Field, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("select index %d: %v", e.Index, e.Err)
	default:
		return fmt.Sprintf("select parameters: %v", e.Err)
	}
}

func (e *SelectionError) Unwrap() error { return e.Err }

// RankDeficiencyWarning is recorded when the averaged prior covariance is
// degenerate and the reduced basis drops directions.
type RankDeficiencyWarning struct {
	Selected int // Np
	Rank     int // r
}

func (w *RankDeficiencyWarning) Error() string {
	return fmt.Sprintf("prior covariance is rank deficient: kept %d of %d directions", w.Rank, w.Selected)
}

// UnknownComponentPolicyWarning is recorded when the covariance component policy
// is not recognized. The estimator then runs with no precision components.
type UnknownComponentPolicyWarning struct {
	Policy string
}

func (w *UnknownComponentPolicyWarning) Error() string {
	return fmt.Sprintf("unknown covariance component policy %q, using no components", w.Policy)
}
