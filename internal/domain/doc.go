// Package domain defines the core data models and contracts shared across
// the engine. It contains plain types (wire/state) and interfaces only.
package domain
