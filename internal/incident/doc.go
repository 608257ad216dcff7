// Package incident defines roadwatch's traffic incident domain: the raw
// report shape delivered by the live-traffic feed, the normalized Incident
// persisted by a Store, and the pure classification rules that map one to
// the other.
package incident
