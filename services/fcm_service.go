package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMService delivers push notifications to supervisor devices. It is the
// delivery end of the review notification queue; the pipeline itself never
// talks to Firebase directly.
type FCMService struct {
	PG     *sql.DB
	client *messaging.Client
}

// ReviewPushData is the data payload attached to every push, so the mobile
// app can deep-link into the right call.
type ReviewPushData struct {
	CallID                 string `json:"call_id"`
	Type                   string `json:"type"` // "manual_review", "pipeline_failure"
	SuggestedDispositionID string `json:"suggested_disposition_id,omitempty"`
	Stage                  string `json:"stage,omitempty"`
}

func NewFCMService(pg *sql.DB) (*FCMService, error) {
	service := &FCMService{PG: pg}

	// Initialize Firebase Admin SDK. Credentials come from
	// GOOGLE_APPLICATION_CREDENTIALS or the local service account file.
	credentialsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if credentialsFile == "" {
		credentialsFile = "firebase-service-account-key.json"
	}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Printf("Firebase app not initialized: %v (pushes will be skipped)", err)
		return service, nil
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("Firebase messaging client not initialized: %v (pushes will be skipped)", err)
		return service, nil
	}

	service.client = client
	log.Println("FCM Service: Firebase messaging initialized")

	return service, nil
}

// SendManualReviewPush notifies supervisors that a call is waiting in the
// review queue
func (s *FCMService) SendManualReviewPush(callID, suggestedDispositionID, suggestedDispositionName string, confidence *float64) error {
	body := fmt.Sprintf("Call %s needs a manual disposition", callID)
	if suggestedDispositionName != "" && confidence != nil {
		body = fmt.Sprintf("Call %s needs review\nSuggested: %s (%.0f%% confidence)",
			callID, suggestedDispositionName, *confidence)
	}

	data := ReviewPushData{
		CallID:                 callID,
		Type:                   "manual_review",
		SuggestedDispositionID: suggestedDispositionID,
	}

	return s.sendToSupervisors("Disposition review needed", body, data, "#FFD700")
}

// SendPipelineFailurePush notifies supervisors that a call's pipeline stage
// failed permanently and the call needs attention
func (s *FCMService) SendPipelineFailurePush(callID, stage, errDetail string) error {
	body := fmt.Sprintf("Call %s failed at %s\n%s", callID, stage, errDetail)

	data := ReviewPushData{
		CallID: callID,
		Type:   "pipeline_failure",
		Stage:  stage,
	}

	return s.sendToSupervisors("[FAILURE] Call pipeline", body, data, "#FF0000")
}

// sendToSupervisors multicasts one notification to every active supervisor
// with a registered device token
func (s *FCMService) sendToSupervisors(title, body string, data ReviewPushData, color string) error {
	if s.client == nil {
		log.Println("FCM client not initialized, skipping notification")
		return nil
	}

	query := `
		SELECT id, name, fcm_token
		FROM agents
		WHERE role = 'supervisor'
		AND is_active = true
		AND fcm_token IS NOT NULL
		AND fcm_token != ''
	`

	rows, err := s.PG.Query(query)
	if err != nil {
		return fmt.Errorf("error fetching supervisors: %v", err)
	}
	defer rows.Close()

	var tokens []string
	var agentNames []string

	for rows.Next() {
		var agentID, agentName, fcmToken string
		if err := rows.Scan(&agentID, &agentName, &fcmToken); err != nil {
			continue
		}
		tokens = append(tokens, fcmToken)
		agentNames = append(agentNames, agentName)
	}

	if len(tokens) == 0 {
		log.Println("No supervisors with FCM tokens found")
		return nil
	}

	dataMap := make(map[string]string)
	dataBytes, _ := json.Marshal(data)
	_ = json.Unmarshal(dataBytes, &dataMap)

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: dataMap,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:         "ic_notification",
				Color:        color,
				Sound:        "default",
				ChannelID:    "high_importance_channel",
				Priority:     messaging.PriorityHigh,
				DefaultSound: true,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Badge: intPtr(1),
					Sound: "default",
					CustomData: map[string]interface{}{
						"call_id": data.CallID,
						"type":    data.Type,
					},
				},
			},
		},
	}

	response, err := s.client.SendEachForMulticast(context.Background(), message)
	if err != nil {
		log.Printf("Error sending multicast FCM message: %v", err)
		return err
	}

	log.Printf("Sent FCM notifications to %d supervisors: %v (Success: %d, Failed: %d)",
		len(agentNames), agentNames, response.SuccessCount, response.FailureCount)

	for i, resp := range response.Responses {
		if !resp.Success {
			log.Printf("Failed to send to %s: %v", agentNames[i], resp.Error)
		}
	}

	return nil
}

// UpdateAgentFCMToken registers an agent device token for pushes
func (s *FCMService) UpdateAgentFCMToken(agentID, fcmToken string) error {
	_, err := s.PG.Exec(
		"UPDATE agents SET fcm_token = $1, updated_at = NOW() WHERE id = $2",
		fcmToken, agentID,
	)
	if err != nil {
		return fmt.Errorf("error updating FCM token: %v", err)
	}

	log.Printf("Updated FCM token for agent %s", agentID)
	return nil
}

func intPtr(i int) *int {
	return &i
}
