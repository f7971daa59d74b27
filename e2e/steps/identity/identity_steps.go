package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	DELETE(path string) error
	GetResponseField(field string) (any, error)
	Save(name string, v any)
	Saved(name string) (any, bool)
}

// RegisterSteps registers identity reconciliation step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &identitySteps{tc: tc}

	ctx.Step(`^I identify with email "([^"]*)" and phone "([^"]*)"$`, steps.identifyWithBoth)
	ctx.Step(`^I identify with email "([^"]*)"$`, steps.identifyWithEmail)
	ctx.Step(`^I identify with phone "([^"]*)"$`, steps.identifyWithPhone)
	ctx.Step(`^I identify with no contact details$`, steps.identifyWithNothing)
	ctx.Step(`^I remember the primary contact as "([^"]*)"$`, steps.rememberPrimary)
	ctx.Step(`^the primary contact should be "([^"]*)"$`, steps.primaryShouldBe)
	ctx.Step(`^the emails should be "([^"]*)"$`, steps.emailsShouldBe)
	ctx.Step(`^the phone numbers should be "([^"]*)"$`, steps.phonesShouldBe)
	ctx.Step(`^there should be (\d+) secondary contacts?$`, steps.secondaryCountShouldBe)
	ctx.Step(`^I view the contact remembered as "([^"]*)"$`, steps.viewRemembered)
}

type identitySteps struct {
	tc TestContext
}

func (s *identitySteps) identifyWithBoth(ctx context.Context, email, phone string) error {
	return s.tc.POST("/identify", map[string]any{"email": email, "phoneNumber": phone})
}

func (s *identitySteps) identifyWithEmail(ctx context.Context, email string) error {
	return s.tc.POST("/identify", map[string]any{"email": email, "phoneNumber": nil})
}

func (s *identitySteps) identifyWithPhone(ctx context.Context, phone string) error {
	return s.tc.POST("/identify", map[string]any{"email": nil, "phoneNumber": phone})
}

func (s *identitySteps) identifyWithNothing(ctx context.Context) error {
	return s.tc.POST("/identify", map[string]any{})
}

func (s *identitySteps) rememberPrimary(ctx context.Context, name string) error {
	id, err := s.tc.GetResponseField("contact.primaryContactId")
	if err != nil {
		return err
	}
	s.tc.Save(name, id)
	return nil
}

func (s *identitySteps) primaryShouldBe(ctx context.Context, name string) error {
	want, ok := s.tc.Saved(name)
	if !ok {
		return fmt.Errorf("nothing remembered as %q", name)
	}
	got, err := s.tc.GetResponseField("contact.primaryContactId")
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected primary contact %v, got %v", want, got)
	}
	return nil
}

func (s *identitySteps) emailsShouldBe(ctx context.Context, csv string) error {
	return s.listShouldBe("contact.emails", csv)
}

func (s *identitySteps) phonesShouldBe(ctx context.Context, csv string) error {
	return s.listShouldBe("contact.phoneNumbers", csv)
}

func (s *identitySteps) listShouldBe(field, csv string) error {
	raw, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("field %q is not a list", field)
	}
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, fmt.Sprint(it))
	}
	want := []string{}
	if csv != "" {
		want = strings.Split(csv, ",")
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("field %q: expected %v, got %v", field, want, got)
	}
	return nil
}

func (s *identitySteps) secondaryCountShouldBe(ctx context.Context, n int) error {
	raw, err := s.tc.GetResponseField("contact.secondaryContactIds")
	if err != nil {
		return err
	}
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("secondaryContactIds is not a list")
	}
	if len(items) != n {
		return fmt.Errorf("expected %d secondary contacts, got %d", n, len(items))
	}
	return nil
}

func (s *identitySteps) viewRemembered(ctx context.Context, name string) error {
	id, ok := s.tc.Saved(name)
	if !ok {
		return fmt.Errorf("nothing remembered as %q", name)
	}
	return s.tc.GET(fmt.Sprintf("/contacts/%v", id))
}
