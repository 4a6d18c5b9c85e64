package arvo

// HierarchyViolation explains why an actor may not act on a target. Like
// Denial, it is a value, not an error.
type HierarchyViolation struct {
	Reason string `json:"reason"`
}

// HierarchyGuard compares actor and target standing before any action
// that changes the target's membership or roles.
type HierarchyGuard struct{}

// Check returns nil when the actor outranks the target, or a violation
// describing the first rule that failed. Rule order is significant: the
// owner bypass applies before the owner-target and administrator checks.
func (HierarchyGuard) Check(actor, target Actor) *HierarchyViolation {
	if actor.UserID == target.UserID {
		return &HierarchyViolation{Reason: "you cannot target yourself"}
	}
	if actor.Owner {
		return nil
	}
	if target.Owner {
		return &HierarchyViolation{Reason: "you cannot target the server owner"}
	}
	if target.Administrator && !actor.Administrator {
		return &HierarchyViolation{
			Reason: "you cannot target an administrator",
		}
	}
	if actor.TopRolePosition <= target.TopRolePosition {
		return &HierarchyViolation{
			Reason: "you can only target members ranked below you",
		}
	}
	return nil
}
