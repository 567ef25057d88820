package sessions

import "fmt"

func sessionKey(id string) string {
	return fmt.Sprintf("wizard:session:%s", id)
}

func visitorKey(instanceID, visitorID string) string {
	return fmt.Sprintf("wizard:visitor:%s:%s", instanceID, visitorID)
}

func tokenKey(token string) string {
	return fmt.Sprintf("wizard:resume:%s", token)
}

func stepKey(sessionID string, step int) string {
	return fmt.Sprintf("wizard:step:%s:%d", sessionID, step)
}
