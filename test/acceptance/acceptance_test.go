package acceptance

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
)

// TestFeatures runs all Gherkin acceptance tests
func TestFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}

	tags := os.Getenv("GODOG_TAGS")
	if tags == "" {
		tags = "~@wip"
	} else {
		tags = tags + "&&~@wip"
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Tags:     tags,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("acceptance tests failed")
	}
}

// TestSmokeFeatures runs only smoke tests (quick verification)
func TestSmokeFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}

	tags := os.Getenv("GODOG_TAGS")
	if tags == "" {
		tags = "@smoke&&~@wip"
	} else {
		tags = tags + "&&~@wip"
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Tags:     tags,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("smoke tests failed")
	}
}

// InitializeScenario sets up step definitions
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := NewTestContext()

	ctx.After(tc.cleanup)

	// Store steps
	ctx.Step(`^an empty memory store with dimension (\d+)$`, tc.emptyStore)
	ctx.Step(`^I insert vector "([^"]*)" with values "([^"]*)"$`, tc.insertVector)
	ctx.Step(`^I insert vector "([^"]*)" with values "([^"]*)" for user "([^"]*)"$`, tc.insertVectorForUser)
	ctx.Step(`^I upsert vector "([^"]*)" with values "([^"]*)"$`, tc.upsertVector)
	ctx.Step(`^the operation should report (\d+) ids?$`, tc.checkOperationCount)
	ctx.Step(`^fetching "([^"]*)" should return values "([^"]*)"$`, tc.checkFetchedValues)
	ctx.Step(`^the store should hold (\d+) records?$`, tc.checkRecordCount)

	// Query steps
	ctx.Step(`^I query with "([^"]*)" and topK (\d+)$`, tc.queryVector)
	ctx.Step(`^I query with "([^"]*)" and topK (\d+) as user "([^"]*)"$`, tc.queryVectorAsUser)
	ctx.Step(`^I should get (\d+) match(?:es)?$`, tc.checkMatchCount)
	ctx.Step(`^match (\d+) should be "([^"]*)"$`, tc.checkMatchAt)
	ctx.Step(`^the matches should be sorted by descending score$`, tc.checkMatchOrder)

	// Memory deletion steps
	ctx.Step(`^I delete the memory "([^"]*)" for user "([^"]*)" with reason "([^"]*)"$`, tc.deleteMemory)
	ctx.Step(`^the deletion should report deleted=(true|false)$`, tc.checkDeleted)
	ctx.Step(`^the audit log for user "([^"]*)" should have (\d+) entr(?:y|ies)$`, tc.checkAuditCount)
	ctx.Step(`^the latest audit entry should name "([^"]*)" as removed$`, tc.checkAuditRemoved)

	// Formation steps
	ctx.Step(`^a turn from user "([^"]*)" saying "([^"]*)" is processed$`, tc.processTurn)
	ctx.Step(`^a turn from user "([^"]*)" saying "([^"]*)" is processed with memories disabled$`, tc.processTurnDisabled)
	ctx.Step(`^user "([^"]*)" should have (\d+) memor(?:y|ies)$`, tc.checkUserMemoryCount)
	ctx.Step(`^one of user "([^"]*)"'s memories should contain "([^"]*)"$`, tc.checkUserMemoryContains)
}
