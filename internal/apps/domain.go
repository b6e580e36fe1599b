// Package apps is the read model over the distribution platform's
// application registry. Application lifecycle itself is managed elsewhere;
// the permission layer only needs existence checks and listings.
package apps

import "time"

// Application identifies one distributed application.
type Application struct {
	ID        string
	Name      string
	CreatedAt time.Time
}
