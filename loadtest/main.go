package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	Company   = "loadtest"
	UserCount = 100 // pairs; each pair is one direct conversation
	MsgCount  = 20  // Messages per user
)

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    int64  `json:"id"`
}

type ConversationResponse struct {
	ID string `json:"id"`
}

var (
	sent     atomic.Int64
	received atomic.Int64
)

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", UserCount*2, MsgCount)
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE: %d sent, %d notifications received", sent.Load(), received.Load())
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA, _ := authenticate(userA, pass)
	tokenB, idB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return // Failed auth
	}

	// Even pairs get key pairs so the run mixes encrypted and plaintext sends.
	if pairID%2 == 0 {
		generateKeys(tokenA)
		generateKeys(tokenB)
	}

	convID, err := strconv.ParseInt(createConversation(tokenA, idB), 10, 64)
	if err != nil {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go spamChat(&wsWg, tokenA, convID, userA)
	go spamChat(&wsWg, tokenB, convID, userB)

	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (string, int64) {
	postJSON("", "/register", map[string]string{
		"username":   username,
		"password":   password,
		"company_id": Company,
	})

	resp, err := postJSON("", "/login", map[string]string{"username": username, "password": password})
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return "", 0
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token, data.ID
}

func generateKeys(token string) {
	resp, err := postJSON(token, "/api/keys", nil)
	if err != nil {
		log.Printf("❌ Key generation failed: %v", err)
		return
	}
	resp.Body.Close()
}

func createConversation(token string, targetID int64) string {
	resp, err := postJSON(token, "/api/conversations", map[string]any{
		"participant_ids": []int64{targetID},
	})
	if err != nil {
		log.Printf("❌ Create Chat Failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		log.Printf("❌ Create Chat Failed: status %d", resp.StatusCode)
		return ""
	}

	var data ConversationResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func spamChat(wg *sync.WaitGroup, token string, convID int64, user string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			var frame struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "chat_message" {
				received.Add(1)
			}
		}
	}()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		log.Printf("❌ Ping Fail [%s]: %v", user, err)
		return
	}

	for i := 0; i < MsgCount; i++ {
		resp, err := postJSON(token, "/api/messages", map[string]any{
			"conversation_id": convID,
			"content":         fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			sent.Add(1)
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	// Let the last notifications arrive before closing.
	time.Sleep(500 * time.Millisecond)
	log.Printf("✅ %s finished sending %d msgs", user, MsgCount)
}

func postJSON(token, endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, BaseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
