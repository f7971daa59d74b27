package e2e

import (
	"github.com/cucumber/godog"

	"reconciler/e2e/steps/common"
	"reconciler/e2e/steps/identity"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	identity.RegisterSteps(ctx, tc)
}
