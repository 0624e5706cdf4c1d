package escrow

import "github.com/google/uuid"

func newIntentID() string {
	return uuid.New().String()
}
