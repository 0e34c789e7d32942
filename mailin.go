// Package mailin supplies a parser and SMTP state machine for building
// receive-side mail servers.
//
// The code using the library reads lines from a client connection and feeds
// them to Session.Process. The user supplies a Handler implementation that
// decides whether to accept or reject email. After consulting the Handler,
// Process returns a Response carrying the reply to send back together with
// the transport action to take.
//
//	builder := mailin.NewSessionBuilder("mail.example.org").
//		EnableStartTLS().
//		MaxSize(10 * 1024 * 1024)
//
//	// When a client connects:
//	session := builder.Build(clientIP, handler)
//	write(conn, session.Greeting())
//	for {
//		line := readLine(conn)
//		res := session.Process(line)
//		switch res.Action {
//		case mailin.Reply, mailin.AwaitData:
//			write(conn, res)
//		case mailin.ReplyAndClose:
//			write(conn, res)
//			return
//		case mailin.UpgradeTLS:
//			write(conn, res)
//			handshake(conn)
//			session.TLSActive()
//		case mailin.NoReply:
//		}
//	}
//
// The engine performs no I/O and no logging; the server subpackage provides
// a ready-made connection driver, threadpool acceptor, and TLS handling for
// embedders that do not want to write the loop above themselves.
package mailin
