package plans

import "testing"

func TestGetResolvesKnownPlans(t *testing.T) {
	for _, key := range []string{"trial", "starter", "professional", "enterprise"} {
		plan, ok := Get(key)
		if !ok {
			t.Fatalf("expected plan %q in catalog", key)
		}
		if string(plan.Type) != key {
			t.Fatalf("expected plan type %q, got %q", key, plan.Type)
		}
	}
	if _, ok := Get("platinum"); ok {
		t.Fatalf("expected unknown plan to miss")
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	plan, ok := Get(" Professional ")
	if !ok || plan.Type != PlanProfessional {
		t.Fatalf("expected professional plan, got %+v ok=%v", plan, ok)
	}
}

func TestCeilings(t *testing.T) {
	trial, _ := Get("trial")
	if trial.MaxUsers != 5 || trial.MaxPackagesPerMonth != 500 {
		t.Fatalf("unexpected trial ceilings: %+v", trial)
	}
	pro, _ := Get("professional")
	if pro.MaxPackagesPerMonth != Unlimited {
		t.Fatalf("expected unlimited packages on professional, got %d", pro.MaxPackagesPerMonth)
	}
	ent, _ := Get("enterprise")
	if ent.MaxUsers != Unlimited || ent.MaxPackagesPerMonth != Unlimited {
		t.Fatalf("expected unlimited enterprise ceilings, got %+v", ent)
	}
	if trial.Paid() {
		t.Fatalf("trial must not be a paid plan")
	}
	if !pro.Paid() {
		t.Fatalf("professional must be a paid plan")
	}
}

func TestListOrder(t *testing.T) {
	all := List()
	if len(all) != 4 {
		t.Fatalf("expected 4 plans, got %d", len(all))
	}
	if all[0].Type != PlanTrial || all[3].Type != PlanEnterprise {
		t.Fatalf("unexpected ordering: %v ... %v", all[0].Type, all[3].Type)
	}
}
