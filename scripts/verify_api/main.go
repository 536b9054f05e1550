package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/model"
)

var apiAddr string

func call(method, path, token string, body any) []byte {
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, apiAddr+path, rd)
	req.Header.Add("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %d %s", method, path, resp.StatusCode, string(raw))
	}
	return raw
}

func main() {
	flag.StringVar(&apiAddr, "api", "http://localhost:8080", "gateway address")
	secret := flag.String("secret", "my_secret_key", "JWT secret shared with the gateway")
	flag.Parse()

	a := auth.New(*secret)
	userA, _ := a.GenerateToken("userA", time.Hour)
	userB, _ := a.GenerateToken("userB", time.Hour)

	// 1. Direct chat
	var chat model.Chat
	if err := json.Unmarshal(call(http.MethodPost, "/chats/direct", userA, map[string]string{"otherUserId": "userB"}), &chat); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Chat: %s\n", chat.ID)

	// 2. Message
	call(http.MethodPost, "/chats/"+chat.ID+"/messages", userA, map[string]string{"content": "verify_api ping"})

	// 3. History and unread state as the recipient
	log.Printf("History: %s", call(http.MethodGet, "/chats/"+chat.ID+"/messages?limit=5", userB, nil))
	log.Printf("Unread notifications: %s", call(http.MethodGet, "/notifications/unread-count", userB, nil))
	log.Printf("Read: %s", call(http.MethodPost, "/chats/"+chat.ID+"/read", userB, nil))
	log.Printf("Presence: %s", call(http.MethodGet, "/presence/userA", userB, nil))
}
