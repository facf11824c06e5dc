// # Go Client Package for Realtime Language Tutoring
//
// This package runs one spoken conversation between a student and an AI
// language tutor over the OpenAI Realtime API. A trusted backend turns the
// student's language, level and topic into a short-lived credential with the
// tutor instructions embedded; the client then captures the microphone,
// negotiates a WebRTC peer connection with the realtime endpoint and
// exchanges JSON events over the "oai-events" data channel.
//
// A session goes through Initialize, StartMicrophone, Connect and
// StartConversation, and ends with Disconnect, which is safe to call at any
// time. Subpackage tools provides the microphone and speaker, issuer the
// credential backend and agents a terminal tutor.
package realtime
