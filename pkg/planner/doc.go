// Package planner builds dependency-ordered execution plans and runs them.
//
// A step starts once every step it depends on has completed successfully.
// Steps whose dependency failed are skipped, and a failed or skipped
// required step stops the rest of the plan.
package planner
