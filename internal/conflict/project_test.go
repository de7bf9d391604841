package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

func project(description string, staff, campaigns []string) model.Resource {
	fields := map[string]any{"description": description}
	if staff != nil {
		fields[fieldStaff] = staff
	}
	if campaigns != nil {
		fields[fieldCampaigns] = campaigns
	}
	return model.Resource{
		ID:         ProjectID,
		Category:   ProjectCategory,
		Identifier: "excavation",
		Relations:  model.Relations{},
		Fields:     fields,
	}
}

func TestSolveProjectConflictsUnionsCompatibleSnapshots(t *testing.T) {
	a := project("dig", []string{"anna"}, []string{"2019"})
	b := project("dig", []string{"bert", "anna"}, []string{"2020"})

	result, used := SolveProjectConflicts([]model.Resource{a, b})

	assert.Equal(t, []int{0}, used)
	assert.ElementsMatch(t, []string{"anna", "bert"}, result.Strings(fieldStaff))
	assert.ElementsMatch(t, []string{"2019", "2020"}, result.Strings(fieldCampaigns))
	assert.Equal(t, "dig", result.Fields["description"])
}

func TestSolveProjectConflictsIgnoresIdentityFields(t *testing.T) {
	a := project("dig", []string{"anna"}, nil)
	a.Identifier = "old name"
	a.Relations = model.Relations{"isRecordedIn": {"x"}}
	b := project("dig", []string{"bert"}, nil)

	result, used := SolveProjectConflicts([]model.Resource{a, b})

	assert.Equal(t, []int{0}, used)
	assert.Equal(t, "excavation", result.Identifier)
	assert.ElementsMatch(t, []string{"anna", "bert"}, result.Strings(fieldStaff))
}

func TestSolveProjectConflictsLeavesDifferingScalarsOpen(t *testing.T) {
	a := project("dig", []string{"anna"}, nil)
	b := project("survey", []string{"bert"}, nil)

	result, used := SolveProjectConflicts([]model.Resource{a, b})

	assert.Empty(t, used)
	assert.Equal(t, "survey", result.Fields["description"])
	assert.ElementsMatch(t, []string{"anna", "bert"}, result.Strings(fieldStaff))
}

func TestSolveProjectConflictsFoldsFromNewest(t *testing.T) {
	a := project("dig", []string{"anna"}, nil)
	b := project("survey", []string{"bert"}, nil)
	c := project("survey", []string{"carl"}, []string{"2021"})

	result, used := SolveProjectConflicts([]model.Resource{a, b, c})

	assert.Equal(t, []int{1}, used)
	assert.Equal(t, "survey", result.Fields["description"])
	assert.ElementsMatch(t, []string{"anna", "bert", "carl"}, result.Strings(fieldStaff))
	assert.Equal(t, []string{"2021"}, result.Strings(fieldCampaigns))
}

func TestSolveProjectConflictsAbsorbsIdentityOnlySnapshot(t *testing.T) {
	bare := model.Resource{ID: ProjectID, Category: ProjectCategory, Identifier: "excavation", Relations: model.Relations{}}
	full := project("survey", []string{"bert"}, []string{"2020"})

	result, used := SolveProjectConflicts([]model.Resource{bare, full})
	assert.Equal(t, []int{0}, used)
	assert.Equal(t, "survey", result.Fields["description"])
	assert.Equal(t, []string{"bert"}, result.Strings(fieldStaff))

	result, used = SolveProjectConflicts([]model.Resource{full, bare})
	assert.Equal(t, []int{0}, used)
	assert.Equal(t, "survey", result.Fields["description"])
	assert.Equal(t, []string{"2020"}, result.Strings(fieldCampaigns))
}

func TestSolveProjectConflictsEqualSnapshots(t *testing.T) {
	a := project("dig", []string{"anna"}, nil)

	result, used := SolveProjectConflicts([]model.Resource{a, a.Clone()})
	assert.Equal(t, []int{0}, used)
	assert.Equal(t, a.Canonical(), result.Canonical())
}

func TestSolveProjectConflictsSingleSnapshot(t *testing.T) {
	a := project("dig", []string{"anna"}, nil)

	result, used := SolveProjectConflicts([]model.Resource{a})

	assert.Empty(t, used)
	assert.Equal(t, a.Canonical(), result.Canonical())
}

func TestIsProjectDocument(t *testing.T) {
	assert.True(t, IsProjectDocument(&model.Document{Resource: model.Resource{ID: ProjectID}}))
	assert.True(t, IsProjectDocument(&model.Document{Resource: model.Resource{ID: "x", Category: ProjectCategory}}))
	assert.False(t, IsProjectDocument(&model.Document{Resource: model.Resource{ID: "x", Category: "Find"}}))
}
