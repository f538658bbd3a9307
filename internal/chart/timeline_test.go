package chart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

func TestBuildTimelineMostRecentFirst(t *testing.T) {
	encs := []*r4.Encounter{encounter("e1", "2023-01-10"), encounter("e2", "2023-03-05")}
	obs := []*r4.Observation{observation("o1", "Encounter/e2")}

	timeline := BuildTimeline(encs, obs, nil, nil)
	require.Len(t, timeline, 2)

	assert.Equal(t, "e2", timeline[0].Encounter.ID)
	assert.True(t, timeline[0].HasData)
	assert.Len(t, timeline[0].Observations, 1)

	assert.Equal(t, "e1", timeline[1].Encounter.ID)
	assert.False(t, timeline[1].HasData)
	assert.Empty(t, timeline[1].Observations)
	assert.Empty(t, timeline[1].Conditions)
	assert.Empty(t, timeline[1].MedicationRequests)

	assert.Equal(t, "e1", encs[0].ID, "input order is untouched")
}

func TestSortEncountersStableOnTies(t *testing.T) {
	encs := []*r4.Encounter{
		encounter("a", "2023-01-10"),
		encounter("b", "2023-05-01"),
		encounter("c", "2023-01-10"),
		encounter("d", "2023-01-10T00:00:00Z"),
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, encounterIDs(SortEncounters(encs)))
}

func TestSortEncountersInvalidDatesSortLast(t *testing.T) {
	end := encounter("ended", "")
	end.Period = &r4.Period{End: "2022-12-31"}
	brokenStart := encounter("broken", "not-a-date")
	brokenStart.Period.End = "2024-01-01"

	encs := []*r4.Encounter{
		encounter("none1", ""),
		encounter("old", "2019"),
		brokenStart,
		end,
		encounter("new", "2023-06-01T09:00:00+02:00"),
		encounter("none2", ""),
		nil,
	}
	assert.Equal(t,
		[]string{"new", "ended", "old", "none1", "broken", "none2"},
		encounterIDs(SortEncounters(encs)))
}

func TestBuildTimelineLengthAndAttachment(t *testing.T) {
	encs := []*r4.Encounter{encounter("e1", "2023-01-10"), encounter("e2", "2022-01-01"), encounter("", "2024-01-01")}
	conds := []*r4.Condition{condition("c1", "Encounter/e1"), condition("c2", "Encounter/e2")}
	meds := []*r4.MedicationRequest{medicationRequest("m1", "Encounter/e2"), medicationRequest("m2", "Encounter/e1")}

	timeline := BuildTimeline(encs, nil, conds, meds)
	require.Len(t, timeline, len(encs))

	assert.Equal(t, "", timeline[0].Encounter.ID)
	assert.False(t, timeline[0].HasData, "encounter without id matches nothing")

	assert.Equal(t, "e1", timeline[1].Encounter.ID)
	assert.Equal(t, "c1", timeline[1].Conditions[0].ID)
	assert.Equal(t, "m2", timeline[1].MedicationRequests[0].ID)
	assert.True(t, timeline[1].HasData)

	assert.Equal(t, "e2", timeline[2].Encounter.ID)
	assert.Equal(t, "c2", timeline[2].Conditions[0].ID)
}

func TestBuildTimelineIdempotent(t *testing.T) {
	encs := []*r4.Encounter{encounter("e1", "2023-01-10"), encounter("e2", ""), encounter("e3", "2023-01-10")}
	obs := []*r4.Observation{observation("o1", "Encounter/e3"), observation("o2", "Encounter/e1")}
	assert.Equal(t, BuildTimeline(encs, obs, nil, nil), BuildTimeline(encs, obs, nil, nil))
}

func TestBuildTimelineEmpty(t *testing.T) {
	timeline := BuildTimeline(nil, nil, nil, nil)
	assert.NotNil(t, timeline)
	assert.Empty(t, timeline)
}
