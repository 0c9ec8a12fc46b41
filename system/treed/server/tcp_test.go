package server

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/signadot/livetree/system/treed/api"
)

type lineClient struct {
	t    *testing.T
	conn net.Conn
	sc   *bufio.Scanner
}

func (c *lineClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatal(err)
	}
}

func (c *lineClient) recv() *api.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(waitFor))
	if !c.sc.Scan() {
		c.t.Fatalf("read: %v", c.sc.Err())
	}
	m := &api.Message{}
	if err := json.Unmarshal(c.sc.Bytes(), m); err != nil {
		c.t.Fatalf("decode %q: %v", c.sc.Text(), err)
	}
	return m
}

func TestTCPJSONLines(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if err := srv.StartTCP("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := &lineClient{t: t, conn: conn, sc: bufio.NewScanner(conn)}

	c.send(`{"id":"1","method":"set","path":"/t","data":{"n":5}}`)
	if m := c.recv(); m.Response == nil || m.ID != "1" || !m.OK {
		t.Fatalf("set response %+v", m.Response)
	}

	// blank lines are skipped
	c.send(``)
	c.send(`{"id":"2","method":"attachListener","path":"/t","eventType":"value"}`)
	if m := c.recv(); m.Response == nil || m.ID != "2" || !m.OK {
		t.Fatalf("attach response %+v", m.Response)
	}
	m := c.recv()
	if m.Event == nil || summary(m.Event) != `value /t t {"n":5}` {
		t.Fatalf("replay %+v", m.Event)
	}

	c.send(`{"id":"3","method":"get","path":"/t/n"}`)
	m = c.recv()
	if m.Response == nil || m.Data == nil || m.Data.NumberString() != "5" {
		t.Fatalf("get response %+v", m.Response)
	}

	c.send(`{"id":"4","method":"nope"}`)
	m = c.recv()
	if m.Response == nil || m.Error == nil || m.Error.Code != api.ErrCodeMalformedCommand {
		t.Fatalf("bad method response %+v", m.Response)
	}

	if err := srv.StopTCP(); err != nil {
		t.Fatal(err)
	}
	if srv.TCPAddr() != nil {
		t.Errorf("listener still set after stop")
	}
}
