package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaychat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

var loremWords = strings.Fields(loremIpsum)

// stats counts wire outcomes across all workers.
type stats struct {
	requests  atomic.Int64
	errors    atomic.Int64
	pushes    atomic.Int64
	queueHits atomic.Int64
}

func main() {
	addr := flag.String("addr", "localhost:6470", "Server address")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	rate := flag.Duration("rate", 200*time.Millisecond, "Delay between requests per client")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting load test: %d clients against %s for %v", *clients, *addr, *duration)

	var st stats
	var wg sync.WaitGroup
	stop := time.After(*duration)
	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()

	usernames := make([]string, *clients)
	for i := range usernames {
		usernames[i] = fmt.Sprintf("load_%d_%d", time.Now().Unix(), i)
	}

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runClient(*addr, usernames, id, *rate, done, &st); err != nil {
				log.Printf("Client %d stopped: %v", id, err)
			}
		}(i)
	}

	wg.Wait()
	log.Printf("Done: %d requests, %d errors, %d live pushes received, %d reads with queued messages",
		st.requests.Load(), st.errors.Load(), st.pushes.Load(), st.queueHits.Load())
}

// runClient registers an account, opens a push-registered session and
// alternates between sending to random peers and draining its own queue.
func runClient(addr string, usernames []string, id int, rate time.Duration, done <-chan struct{}, st *stats) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	codec := protocol.JSONCodec{}
	username := usernames[id]

	if _, err := call(conn, codec, &protocol.Record{
		Action: string(protocol.ActionCreateAccount),
		Data:   map[string]any{"username": username, "password": "loadtest"},
	}, st); err != nil {
		return err
	}

	resp, err := call(conn, codec, &protocol.Record{
		Action: string(protocol.ActionListen),
		Data:   map[string]any{"username": username, "password": "loadtest"},
	}, st)
	if err != nil {
		return err
	}
	token, _ := resp.Data["session_token"].(string)
	if token == "" {
		return fmt.Errorf("listen returned no token: %s", resp.Error)
	}

	for {
		select {
		case <-done:
			return nil
		case <-time.After(rate):
		}

		peer := usernames[rand.Intn(len(usernames))]
		if peer == username {
			continue
		}

		if rand.Intn(4) == 0 {
			resp, err := call(conn, codec, &protocol.Record{
				Action: string(protocol.ActionReadMessages),
				Data:   map[string]any{"session_token": token, "num_to_read": -10},
			}, st)
			if err != nil {
				return err
			}
			if msgs, ok := resp.Data["unread_messages"].([]any); ok && len(msgs) > 0 {
				st.queueHits.Add(1)
			}
			continue
		}

		body := randomSentence()
		if _, err := call(conn, codec, &protocol.Record{
			Action: string(protocol.ActionSendMessage),
			Data:   map[string]any{"session_token": token, "recipient": peer, "message": body},
		}, st); err != nil {
			return err
		}
	}
}

// call sends one request and waits for its response, counting any pushes
// that arrive in between.
func call(conn net.Conn, codec protocol.Codec, req *protocol.Record, st *stats) (*protocol.Record, error) {
	encoded, err := codec.Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(encoded); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}
	st.requests.Add(1)

	buf := make([]byte, 65536)
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}

		decoded, _ := codec.Decode(buf[:n])
		for _, rec := range decoded {
			if rec.Action == string(protocol.ActionReceiveMessage) {
				st.pushes.Add(1)
				continue
			}
			if rec.Status == protocol.StatusError {
				st.errors.Add(1)
			}
			return rec, nil
		}
	}
}

func randomSentence() string {
	count := 3 + rand.Intn(8)
	words := make([]string, count)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}
