package conductor

import "github.com/google/uuid"

// defaultIDSource returns the production ID generator. Each request still
// gets monotonically fresh IDs; only tests need sequenced ones.
func defaultIDSource() func() string {
	return func() string { return uuid.NewString() }
}
