package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/model"
)

const heartbeatEvery = 25 * time.Second

type session struct {
	apiBase string
	token   string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) post(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed: %s", path, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *session) sendFrame(t model.EventType, payload any) error {
	env := model.Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) closeNormal() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func printEvent(env model.Envelope) {
	switch env.Type {
	case model.TypeChatMessage:
		var ev model.ChatMessageEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			fmt.Printf("\r[%s] %s: %s\n> ", ev.Message.ChatID, ev.Message.SenderID, ev.Message.Content)
			return
		}
	case model.TypeChatTyping:
		var ev model.TypingEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			fmt.Printf("\rUser %s is typing...      \n> ", ev.UserID)
			return
		}
	case model.TypeUserOnline, model.TypeUserOffline:
		var ev model.PresenceEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			state := "offline"
			if env.Type == model.TypeUserOnline {
				state = "online"
			}
			fmt.Printf("\r%s is now %s\n> ", ev.UserID, state)
			return
		}
	case model.TypeNotification:
		var ev model.NotificationEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			fmt.Printf("\r(notification) %s: %s\n> ", ev.Notification.Title, ev.Notification.Message)
			return
		}
	}
	fmt.Printf("\r%s %s\n> ", env.Type, string(env.Payload))
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway address")
	userID := flag.String("user", "user1", "user id")
	secret := flag.String("secret", "my_secret_key", "JWT secret shared with the gateway")
	chatID := flag.String("chat", "", "chat id to talk in")
	dmUser := flag.String("dm", "", "user id to open a direct chat with (overrides -chat)")
	flag.Parse()

	// 1. Mint a token the way the identity service would
	token, err := auth.New(*secret).GenerateToken(*userID, 24*time.Hour)
	if err != nil {
		log.Fatal("token:", err)
	}
	s := &session{apiBase: "http://" + *serverAddr, token: token}

	if *dmUser != "" {
		var chat model.Chat
		if err := s.post("/chats/direct", map[string]string{"otherUserId": *dmUser}, &chat); err != nil {
			log.Fatal(err)
		}
		*chatID = chat.ID
	}
	if *chatID == "" {
		log.Fatal("either -chat or -dm is required")
	}
	log.Printf("Talking in chat %s as %s", *chatID, *userID)

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()
	s.conn = c

	done := make(chan struct{})

	// 3. Print everything the gateway pushes
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			var env model.Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				log.Printf("Received raw: %s", message)
				continue
			}
			printEvent(env)
		}
	}()

	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.sendFrame(model.TypeHeartbeat, nil); err != nil {
					log.Println("heartbeat:", err)
					return
				}
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Messages go over REST; typing indicators over the socket
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := scanner.Text()
			switch text {
			case "":
			case "/quit":
				interrupt <- os.Interrupt
				return
			case "/typing", "/stop":
				t := model.TypeChatTyping
				if text == "/stop" {
					t = model.TypeChatStopTyping
				}
				if err := s.sendFrame(t, map[string]string{"chatId": *chatID}); err != nil {
					log.Println("write:", err)
					return
				}
			default:
				if err := s.post("/chats/"+*chatID+"/messages", map[string]string{"content": text}, nil); err != nil {
					log.Println("send:", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			if err := s.closeNormal(); err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
