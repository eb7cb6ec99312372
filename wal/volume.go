package wal

import "fmt"

// VolumePolicy selects among candidate volume directories (spec.md §6,
// "Volume-selection policy interface"). Called once per Open.
type VolumePolicy interface {
	Choose(candidates []string) (string, error)
}

// RoundRobinVolumePolicy cycles through candidates in the order given,
// the simplest policy satisfying "choose one of several placement
// targets" without favoring any volume.
type RoundRobinVolumePolicy struct {
	next int
}

func NewRoundRobinVolumePolicy() *RoundRobinVolumePolicy {
	return &RoundRobinVolumePolicy{}
}

func (p *RoundRobinVolumePolicy) Choose(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("wal: no candidate volumes")
	}
	v := candidates[p.next%len(candidates)]
	p.next++
	return v, nil
}

// SingleVolumePolicy always returns the one configured volume; useful for
// tests and single-volume deployments.
type SingleVolumePolicy struct {
	Volume string
}

func (p SingleVolumePolicy) Choose(candidates []string) (string, error) {
	return p.Volume, nil
}
