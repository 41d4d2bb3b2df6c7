// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDsCarryPrefixes(t *testing.T) {
	require.NoError(t, Validate(NewRunID(), RunPrefix))
	require.NoError(t, Validate(NewStepID(), StepPrefix))
	require.NoError(t, Validate(NewEventID(), EventPrefix))
	require.NoError(t, Validate(NewStreamID(), StreamPrefix))
	require.NoError(t, Validate(NewHookID(), HookPrefix))
}

func TestEventIDsSortByCreation(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 100; i++ {
		next := NewEventID()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestDeterministicSequenceIsStable(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := Seed("wrun_01HZXY")

	a := NewDeterministic(seed, at)
	b := NewDeterministic(seed, at)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(StepPrefix), b.Next(StepPrefix))
	}
}

func TestDeterministicSequencesDivergeBySeed(t *testing.T) {
	at := time.Now()
	a := NewDeterministic(Seed("wrun_one"), at)
	b := NewDeterministic(Seed("wrun_two"), at)
	assert.NotEqual(t, a.Next(StepPrefix), b.Next(StepPrefix))
}

func TestDeterministicPrefixes(t *testing.T) {
	d := NewDeterministic(Seed("wrun_x"), time.Now())
	require.NoError(t, Validate(d.Next(StepPrefix), StepPrefix))
	require.NoError(t, Validate(d.Next(HookPrefix), HookPrefix))
	require.NoError(t, Validate(d.Next(WaitPrefix), WaitPrefix))
}

func TestValidateRejectsMalformed(t *testing.T) {
	assert.Error(t, Validate("step_abc", StepPrefix))
	assert.Error(t, Validate("wrong_01HZXYJ5KQJ5KQJ5KQJ5KQJ5KQ", StepPrefix))
	assert.Error(t, Validate("", RunPrefix))
}

func TestSeedIsStable(t *testing.T) {
	assert.Equal(t, Seed("wrun_a"), Seed("wrun_a"))
	assert.NotEqual(t, Seed("wrun_a"), Seed("wrun_b"))
}

func TestParseSymbolic(t *testing.T) {
	s, err := ParseSymbolic("step//./src/jobs/order//default")
	require.NoError(t, err)
	assert.Equal(t, KindStep, s.Kind)
	assert.Equal(t, "./src/jobs/order", s.Module)
	assert.Equal(t, "default", s.Function)
	assert.Equal(t, "order", s.ShortName())

	_, err = ParseSymbolic("bogus//mod@1.0.0//fn")
	assert.Error(t, err)
	_, err = ParseSymbolic("step//only-two-parts")
	assert.Error(t, err)
}
